package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entryKind int

const (
	kindString entryKind = iota
	kindList
	kindSet
	kindHash
)

type entry struct {
	kind      entryKind
	str       string
	list      []string
	set       map[string]struct{}
	hash      map[string]string
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// MemoryStore is an in-process SignalStore for single-node deployments and tests
type MemoryStore struct {
	mu          sync.Mutex
	data        map[string]*entry
	now         func() time.Time
	unavailable bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAvailable toggles simulated outages; while unavailable every call fails with ErrUnavailable
func (m *MemoryStore) SetAvailable(available bool) {
	m.mu.Lock()
	m.unavailable = !available
	m.mu.Unlock()
}

// lookup returns the live entry for key, dropping it when expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

// begin locks the store and checks availability and cancellation
func (m *MemoryStore) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory %s failed: %w: %w", op, ErrUnavailable, err)
	}
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return fmt.Errorf("memory %s failed: %w", op, ErrUnavailable)
	}
	return nil
}

func wrongType(key string) error {
	return fmt.Errorf("WRONGTYPE operation against key %s holding the wrong kind of value", key)
}

func (m *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.begin(ctx, "increment"); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kindString, str: "0"}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
		m.data[key] = e
	}
	if e.kind != kindString {
		return 0, wrongType(key)
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.begin(ctx, "set"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := m.begin(ctx, "get"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return "", ErrKeyNotFound{Key: key}
	}
	if e.kind != kindString {
		return "", wrongType(key)
	}
	return e.str, nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := m.begin(ctx, "update"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	var current string
	e := m.lookup(key)
	if e != nil {
		if e.kind != kindString {
			return wrongType(key)
		}
		current = e.str
	}

	next, ttl, write, err := fn(current, e != nil)
	if err != nil || !write {
		return err
	}

	e = &entry{kind: kindString, str: next}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := m.begin(ctx, "ttl"); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return 0, ErrKeyNotFound{Key: key}
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if err := m.begin(ctx, "sadd"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		if len(members) == 0 {
			return nil
		}
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = e
	}
	if e.kind != kindSet {
		return wrongType(key)
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if err := m.begin(ctx, "srem"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil
	}
	if e.kind != kindSet {
		return wrongType(key)
	}
	for _, member := range members {
		delete(e.set, member)
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.begin(ctx, "smembers"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if e.kind != kindSet {
		return nil, wrongType(key)
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryStore) AppendToList(ctx context.Context, key, value string, maxLen int64) error {
	if err := m.begin(ctx, "rpush"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kindList}
		m.data[key] = e
	}
	if e.kind != kindList {
		return wrongType(key)
	}
	e.list = append(e.list, value)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		e.list = append([]string(nil), e.list[int64(len(e.list))-maxLen:]...)
	}
	return nil
}

func (m *MemoryStore) ListRange(ctx context.Context, key string) ([]string, error) {
	if err := m.begin(ctx, "lrange"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if e.kind != kindList {
		return nil, wrongType(key)
	}
	return append([]string(nil), e.list...), nil
}

func (m *MemoryStore) PopList(ctx context.Context, key string, count int64) ([]string, error) {
	if err := m.begin(ctx, "lpop"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || count <= 0 {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, wrongType(key)
	}
	n := min(count, int64(len(e.list)))
	out := append([]string(nil), e.list[:n]...)
	e.list = e.list[n:]
	if len(e.list) == 0 {
		delete(m.data, key)
	}
	return out, nil
}

func (m *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := m.begin(ctx, "hset"); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if len(fields) == 0 {
		return nil
	}
	e := m.lookup(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = e
	}
	if e.kind != kindHash {
		return wrongType(key)
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	return nil
}

func (m *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.begin(ctx, "hgetall"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := make(map[string]string)
	e := m.lookup(key)
	if e == nil {
		return out, nil
	}
	if e.kind != kindHash {
		return nil, wrongType(key)
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := m.begin(ctx, "scan"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) && m.lookup(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := m.begin(ctx, "del"); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if m.lookup(key) != nil {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := m.begin(ctx, "ping"); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
