package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/infrastructure/config"
)

const healthCheckKey = "security:health_check"

// New creates the signal store selected by cfg.Driver
func New(cfg *config.StoreConfig, logger *zap.Logger) (SignalStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store config is required")
	}

	switch cfg.Driver {
	case "redis":
		return NewRedisStore(&cfg.Redis, logger)
	case "memory":
		if logger != nil {
			logger.Warn("using in-memory signal store; state is not shared between replicas")
		}
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// HealthCheck verifies the store with a set/get/delete round trip
func HealthCheck(ctx context.Context, s SignalStore) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}

	value := strconv.FormatInt(time.Now().Unix(), 10)

	if err := s.SetWithTTL(ctx, healthCheckKey, value, 10*time.Second); err != nil {
		return fmt.Errorf("store set health check failed: %w", err)
	}

	got, err := s.Get(ctx, healthCheckKey)
	if err != nil {
		return fmt.Errorf("store get health check failed: %w", err)
	}
	if got != value {
		return fmt.Errorf("store health check read %q, wrote %q", got, value)
	}

	if _, err := s.Delete(ctx, healthCheckKey); err != nil {
		return fmt.Errorf("store delete health check failed: %w", err)
	}

	return nil
}
