package store

import (
	"context"
	"errors"
	"time"
)

// SignalStore is the shared key-value store holding all durable security state.
// Implementations must provide read-your-writes and atomic increments.
type SignalStore interface {
	// Increment atomically adds one to key and returns the new value.
	// The TTL is applied only when the key is created by this call.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithTTL stores value; a zero ttl means no expiry
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns ErrKeyNotFound when the key is absent or expired
	Get(ctx context.Context, key string) (string, error)

	// Update runs fn against the current string value of key and stores its
	// result without any other write to key landing in between. fn may be
	// called more than once and must not have side effects.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// TTL returns the remaining lifetime, NoExpiry for persistent keys
	TTL(ctx context.Context, key string) (time.Duration, error)

	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// AppendToList pushes value and trims the list to the most recent maxLen entries
	AppendToList(ctx context.Context, key, value string, maxLen int64) error

	// ListRange returns the whole list, oldest first
	ListRange(ctx context.Context, key string) ([]string, error)

	// PopList removes and returns up to count entries, oldest first
	PopList(ctx context.Context, key string, count int64) ([]string, error)

	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// Scan returns every key starting with prefix
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Delete removes keys and reports how many existed
	Delete(ctx context.Context, keys ...string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// UpdateFunc computes the next value of a key. exists is false when the key is
// absent or expired. Returning write=false leaves the key untouched; a zero ttl
// means no expiry.
type UpdateFunc func(current string, exists bool) (next string, ttl time.Duration, write bool, err error)

// NoExpiry is returned by TTL for keys without an expiry
const NoExpiry = time.Duration(-1)

// ErrUnavailable wraps every failure to reach the backend
var ErrUnavailable = errors.New("signal store unavailable")

// ErrConflict is returned when Update keeps losing the race for a key
var ErrConflict = errors.New("too many concurrent updates")

// ErrKeyNotFound is returned when a key doesn't exist
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsNotFound reports whether err is an ErrKeyNotFound
func IsNotFound(err error) bool {
	var nf ErrKeyNotFound
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err means the backend could not be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
