package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/testutil"
)

func setupTestRedis(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	cfg := &config.RedisConfig{
		URL:          mr.Addr(),
		PoolSize:     5,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	s, err := NewRedisStore(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s.(*redisStore), mr
}

// backends runs fn against every SignalStore implementation.
// advance moves the backend's notion of time forward for TTL checks.
func backends(t *testing.T, fn func(t *testing.T, s SignalStore, advance func(time.Duration))) {
	t.Run("redis", func(t *testing.T) {
		s, mr := setupTestRedis(t)
		fn(t, s, mr.FastForward)
	})

	t.Run("memory", func(t *testing.T) {
		clock := testutil.NewClock(testutil.Epoch)
		fn(t, NewMemoryStore(WithClock(clock.Now)), clock.Advance)
	})
}

func TestNewRedisStore(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisStore(&config.RedisConfig{URL: "localhost:6379"}, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRedisStore(nil, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis config is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		cfg := &config.RedisConfig{
			URL:         "localhost:9999",
			DialTimeout: 100 * time.Millisecond,
		}
		_, err := NewRedisStore(cfg, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestSignalStore_Increment(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, advance func(time.Duration)) {
		ctx := context.Background()
		key := FailedLoginsKey("10.0.0.1", "alice")

		for i := int64(1); i <= 3; i++ {
			n, err := s.Increment(ctx, key, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		// TTL is only set on creation
		advance(30 * time.Minute)
		n, err := s.Increment(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		ttl, err := s.TTL(ctx, key)
		require.NoError(t, err)
		assert.InDelta(t, float64(30*time.Minute), float64(ttl), float64(time.Second))

		advance(31 * time.Minute)
		n, err = s.Increment(ctx, key, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestSignalStore_IncrementConcurrent(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		ctx := context.Background()
		const workers = 50

		var wg sync.WaitGroup
		results := make(chan int64, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.Increment(ctx, "requests:10.0.0.9", time.Minute)
				if assert.NoError(t, err) {
					results <- n
				}
			}()
		}
		wg.Wait()
		close(results)

		seen := make(map[int64]bool)
		for n := range results {
			assert.False(t, seen[n], "duplicate counter value %d", n)
			seen[n] = true
		}
		assert.Len(t, seen, workers)
		assert.True(t, seen[workers])
	})
}

func TestSignalStore_Update(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, advance func(time.Duration)) {
		ctx := context.Background()
		key := BlockedKey("198.51.100.4")

		err := s.Update(ctx, key, func(current string, exists bool) (string, time.Duration, bool, error) {
			assert.False(t, exists)
			assert.Empty(t, current)
			return "temporary", 10 * time.Second, true, nil
		})
		require.NoError(t, err)

		err = s.Update(ctx, key, func(current string, exists bool) (string, time.Duration, bool, error) {
			assert.True(t, exists)
			assert.Equal(t, "temporary", current)
			return "", 0, false, nil
		})
		require.NoError(t, err)
		ttl, err := s.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		boom := errors.New("decode failed")
		err = s.Update(ctx, key, func(string, bool) (string, time.Duration, bool, error) {
			return "", 0, false, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsUnavailable(err))

		require.NoError(t, s.Update(ctx, key, func(string, bool) (string, time.Duration, bool, error) {
			return "permanent", 0, true, nil
		}))
		advance(time.Minute)
		v, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "permanent", v)
		ttl, err = s.TTL(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, NoExpiry, ttl)
	})
}

func TestSignalStore_UpdateConcurrent(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		ctx := context.Background()
		const workers = 10

		// read-modify-write without Increment; lost updates would show up as a short count
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, "security:counter", func(current string, exists bool) (string, time.Duration, bool, error) {
					n := 0
					if exists {
						var err error
						if n, err = strconv.Atoi(current); err != nil {
							return "", 0, false, err
						}
					}
					return strconv.Itoa(n + 1), time.Minute, true, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		v, err := s.Get(ctx, "security:counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), v)
	})
}

func TestSignalStore_TTLRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, advance func(time.Duration)) {
		ctx := context.Background()
		key := BlockedKey("203.0.113.7")

		require.NoError(t, s.SetWithTTL(ctx, key, "rate_limit_violation", 10*time.Second))

		advance(9 * time.Second)
		v, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "rate_limit_violation", v)

		advance(2 * time.Second)
		_, err = s.Get(ctx, key)
		assert.True(t, IsNotFound(err))

		require.NoError(t, s.SetWithTTL(ctx, "security:threat_level", "2", 0))
		ttl, err := s.TTL(ctx, "security:threat_level")
		require.NoError(t, err)
		assert.Equal(t, NoExpiry, ttl)

		_, err = s.TTL(ctx, "missing")
		var nf ErrKeyNotFound
		assert.ErrorAs(t, err, &nf)
		assert.Equal(t, "missing", nf.Key)
	})
}

func TestSignalStore_Lists(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		ctx := context.Background()

		for _, v := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, s.AppendToList(ctx, AlertsKey, v, 3))
		}

		values, err := s.ListRange(ctx, AlertsKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d", "e"}, values)

		popped, err := s.PopList(ctx, AlertsKey, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, popped)

		popped, err = s.PopList(ctx, AlertsKey, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"e"}, popped)

		popped, err = s.PopList(ctx, AlertsKey, 10)
		require.NoError(t, err)
		assert.Empty(t, popped)

		values, err = s.ListRange(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, values)
	})
}

func TestSignalStore_SetsAndHashes(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		ctx := context.Background()

		require.NoError(t, s.AddToSet(ctx, ThreatPatternsKey, "sql_injection", "xss"))
		require.NoError(t, s.AddToSet(ctx, ThreatPatternsKey, "xss"))
		members, err := s.SetMembers(ctx, ThreatPatternsKey)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"sql_injection", "xss"}, members)

		require.NoError(t, s.RemoveFromSet(ctx, ThreatPatternsKey, "xss"))
		members, err = s.SetMembers(ctx, ThreatPatternsKey)
		require.NoError(t, err)
		assert.Equal(t, []string{"sql_injection"}, members)

		require.NoError(t, s.HashSet(ctx, RateLimitsKey, map[string]string{"default": "80", "multiplier": "0.8"}))
		require.NoError(t, s.HashSet(ctx, RateLimitsKey, map[string]string{"default": "60"}))
		fields, err := s.HashGetAll(ctx, RateLimitsKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"default": "60", "multiplier": "0.8"}, fields)

		fields, err = s.HashGetAll(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
}

func TestSignalStore_ScanAndDelete(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		ctx := context.Background()

		require.NoError(t, s.SetWithTTL(ctx, BlockedKey("1.1.1.1"), "r", time.Hour))
		require.NoError(t, s.SetWithTTL(ctx, BlockedKey("2.2.2.2"), "r", time.Hour))
		require.NoError(t, s.SetWithTTL(ctx, WatchKey("1.1.1.1"), "r", time.Hour))

		keys, err := s.Scan(ctx, BlockedPrefix)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{BlockedKey("1.1.1.1"), BlockedKey("2.2.2.2")}, keys)

		n, err := s.Delete(ctx, BlockedKey("1.1.1.1"), BlockedKey("9.9.9.9"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Delete(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSignalStore_Unavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("redis", func(t *testing.T) {
		s, mr := setupTestRedis(t)
		mr.Close()

		_, err := s.Increment(ctx, "requests:1.2.3.4", time.Minute)
		assert.True(t, IsUnavailable(err))

		_, err = s.Get(ctx, "anything")
		assert.True(t, IsUnavailable(err))
		assert.False(t, IsNotFound(err))

		err = s.Update(ctx, "anything", func(string, bool) (string, time.Duration, bool, error) {
			return "v", 0, true, nil
		})
		assert.True(t, IsUnavailable(err))
	})

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		s.SetAvailable(false)

		_, err := s.Increment(ctx, "requests:1.2.3.4", time.Minute)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)

		s.SetAvailable(true)
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewMemoryStore().Get(cctx, "k")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestHealthCheck(t *testing.T) {
	backends(t, func(t *testing.T, s SignalStore, _ func(time.Duration)) {
		require.NoError(t, HealthCheck(context.Background(), s))
	})

	s := NewMemoryStore()
	s.SetAvailable(false)
	assert.Error(t, HealthCheck(context.Background(), s))
}

func TestNew(t *testing.T) {
	s, err := New(&config.StoreConfig{Driver: "memory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(&config.StoreConfig{Driver: "etcd"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBucketKeys(t *testing.T) {
	ts := time.Date(2025, 3, 1, 14, 37, 0, 0, time.UTC)

	assert.Equal(t, "security:events:2025030114", EventBucketKey(ts))
	assert.Equal(t, "security:metrics:error_rate:2025030114", MetricBucketKey("error_rate", ts))

	parsed, ok := BucketTime(EventBucketKey(ts))
	require.True(t, ok)
	assert.Equal(t, ts.Truncate(time.Hour), parsed)

	_, ok = BucketTime(PendingEventsKey)
	assert.False(t, ok)
}
