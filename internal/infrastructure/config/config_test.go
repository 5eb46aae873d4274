package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, int64(5), cfg.Monitor.FailedLoginThreshold)
	assert.Equal(t, int64(100), cfg.Monitor.RequestLimit)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.EventInterval)
	assert.Equal(t, 3600*time.Second, cfg.Orchestrator.CleanupInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Orchestrator.SubmitTimeout)
	assert.Equal(t, 60*time.Second, cfg.Defense.BlockGracePeriod)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
environment: staging
store:
  driver: memory
  redis:
    pool_size: 25
orchestrator:
  posture_interval: 15s
`), 0o600)
	require.NoError(t, err)

	t.Setenv("THREATGUARD_LOG_LEVEL", "debug")
	t.Setenv("THREATGUARD_MONITOR_REQUEST_LIMIT", "250")
	t.Setenv("THREATGUARD_STORE_REDIS_URL", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 25, cfg.Store.Redis.PoolSize)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.URL)
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.PostureInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(250), cfg.Monitor.RequestLimit)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("THREATGUARD_STORE_DRIVER", "etcd")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ZeroLoopDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  error_backoff: 0s
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ErrorBackoff")

	t.Setenv("THREATGUARD_ORCHESTRATOR_EVENT_INTERVAL", "0s")
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EventInterval")

	cfg := Defaults()
	cfg.Orchestrator.CleanupInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.redis.pool_size", envKey("THREATGUARD_STORE_REDIS_POOL_SIZE"))
	assert.Equal(t, "orchestrator.submit_timeout", envKey("THREATGUARD_ORCHESTRATOR_SUBMIT_TIMEOUT"))
	assert.Equal(t, "log_level", envKey("THREATGUARD_LOG_LEVEL"))
}
