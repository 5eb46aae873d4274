//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/testutil/containers"
)

func TestRedisStore_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	s, err := NewRedisStore(&config.RedisConfig{
		URL:          container.Addr,
		PoolSize:     5,
		MaxRetries:   -1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, HealthCheck(ctx, s))

	key := FailedLoginsKey("198.51.100.4", "root")
	n, err := s.Increment(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := s.TTL(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Hour), float64(ttl), float64(5*time.Second))

	for i := 0; i < 1005; i++ {
		require.NoError(t, s.AppendToList(ctx, AlertsKey, "a", 1000))
	}
	alerts, err := s.ListRange(ctx, AlertsKey)
	require.NoError(t, err)
	assert.Len(t, alerts, 1000)
}
