package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/threatguard/internal/infrastructure/config"
)

// incrementScript applies the TTL in the same step that creates the counter
var incrementScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

const scanBatch = 500

// maxUpdateAttempts bounds the optimistic transaction retries of Update
const maxUpdateAttempts = 50

// updateError carries an UpdateFunc failure out of a WATCH transaction so it
// is not mistaken for an outage
type updateError struct{ err error }

func (e updateError) Error() string { return e.err.Error() }

// redisStore implements SignalStore using Redis
type redisStore struct {
	client *redis.Client
	logger *zap.Logger
	// limits outage warnings while the backend is down
	warn *rate.Limiter
}

// NewRedisStore creates a Redis-backed signal store with the given configuration
func NewRedisStore(cfg *config.RedisConfig, logger *zap.Logger) (SignalStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Health check with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w: %w", ErrUnavailable, err)
	}

	logger.Info("redis signal store initialized",
		zap.String("addr", cfg.URL),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return newRedisStore(client, logger), nil
}

func newRedisStore(client *redis.Client, logger *zap.Logger) *redisStore {
	return &redisStore{
		client: client,
		logger: logger,
		warn:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// fail classifies err. Server replies such as WRONGTYPE are returned as-is,
// anything else means the backend could not be reached.
func (r *redisStore) fail(op, key string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		r.logger.Error("redis command failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis %s failed: %w", op, err)
	}

	if r.warn.Allow() {
		r.logger.Warn("signal store unreachable", zap.String("op", op), zap.String("key", key), zap.Error(err))
	}
	return fmt.Errorf("redis %s failed: %w: %w", op, ErrUnavailable, err)
}

// Increment atomically increments a counter, setting ttl on creation
func (r *redisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrementScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, r.fail("increment", key, err)
	}
	return v, nil
}

// SetWithTTL stores a value with optional TTL
func (r *redisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.fail("set", key, err)
	}
	return nil
}

// Get retrieves a value by key
func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrKeyNotFound{Key: key}
		}
		return "", r.fail("get", key, err)
	}
	return result, nil
}

// Update runs fn inside a WATCH/MULTI transaction on key, retrying when
// another client writes key first
func (r *redisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		exists := err == nil
		if err != nil && err != redis.Nil {
			return err
		}

		next, ttl, write, err := fn(current, exists)
		if err != nil {
			return updateError{err: err}
		}
		if !write {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		var fnErr updateError
		if errors.As(err, &fnErr) {
			return fnErr.err
		}
		return r.fail("update", key, err)
	}

	r.logger.Warn("update abandoned after repeated conflicts", zap.String("key", key), zap.Int("attempts", maxUpdateAttempts))
	return fmt.Errorf("redis update %s: %w", key, ErrConflict)
}

// TTL returns the remaining lifetime of key
func (r *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, r.fail("pttl", key, err)
	}
	switch d {
	case -2:
		return 0, ErrKeyNotFound{Key: key}
	case -1:
		return NoExpiry, nil
	}
	return d, nil
}

func (r *redisStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return r.fail("sadd", key, err)
	}
	return nil
}

func (r *redisStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return r.fail("srem", key, err)
	}
	return nil
}

func (r *redisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, r.fail("smembers", key, err)
	}
	return members, nil
}

// AppendToList pushes and trims in one transaction
func (r *redisStore) AppendToList(ctx context.Context, key, value string, maxLen int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, -maxLen, -1)
		}
		return nil
	})
	if err != nil {
		return r.fail("rpush", key, err)
	}
	return nil
}

func (r *redisStore) ListRange(ctx context.Context, key string) ([]string, error) {
	values, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, r.fail("lrange", key, err)
	}
	return values, nil
}

func (r *redisStore) PopList(ctx context.Context, key string, count int64) ([]string, error) {
	values, err := r.client.LPopCount(ctx, key, int(count)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, r.fail("lpop", key, err)
	}
	return values, nil
}

func (r *redisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := r.client.HSet(ctx, key, values).Err(); err != nil {
		return r.fail("hset", key, err)
	}
	return nil
}

func (r *redisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.fail("hgetall", key, err)
	}
	return fields, nil
}

// Scan iterates the keyspace with SCAN so large namespaces never block the server
func (r *redisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, r.fail("scan", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *redisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, r.fail("del", keys[0], err)
	}
	return n, nil
}

func (r *redisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail("ping", "", err)
	}
	return nil
}

// Close closes the store connection
func (r *redisStore) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("redis close failed", zap.Error(err))
		return fmt.Errorf("redis close failed: %w", err)
	}

	r.logger.Info("redis signal store connection closed")
	return nil
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
