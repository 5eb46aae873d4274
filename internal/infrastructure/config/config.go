package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g. THREATGUARD_STORE_DRIVER
const EnvPrefix = "THREATGUARD_"

// DefaultConfigFile is read when present
const DefaultConfigFile = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"required"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Monitor      MonitorConfig      `koanf:"monitor"`
	Defense      DefenseConfig      `koanf:"defense"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Classifier   ClassifierConfig   `koanf:"classifier"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	NATS         NATSConfig         `koanf:"nats"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the signal store backend
type StoreConfig struct {
	Driver string      `koanf:"driver" validate:"oneof=redis memory"`
	Redis  RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"min=0"`
	PoolSize     int           `koanf:"pool_size" validate:"min=1"`
	MinIdleConns int           `koanf:"min_idle_conns" validate:"min=0"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type MonitorConfig struct {
	FailedLoginThreshold int64         `koanf:"failed_login_threshold" validate:"min=1"`
	FailedLoginWindow    time.Duration `koanf:"failed_login_window"`
	RequestLimit         int64         `koanf:"request_limit" validate:"min=1"`
	RequestWindow        time.Duration `koanf:"request_window"`
	SuspiciousThreshold  int64         `koanf:"suspicious_threshold" validate:"min=1"`
	SuspiciousWindow     time.Duration `koanf:"suspicious_window"`
	ViolationWindow      time.Duration `koanf:"violation_window"`
	AIViolationWindow    time.Duration `koanf:"ai_violation_window"`
	EventBucketSize      int64         `koanf:"event_bucket_size" validate:"min=1"`
	PendingQueueSize     int64         `koanf:"pending_queue_size" validate:"min=1"`
}

type DefenseConfig struct {
	BlockGracePeriod time.Duration `koanf:"block_grace_period"`
	BlockCacheSize   int           `koanf:"block_cache_size" validate:"min=1"`
	RestrictionTTL   time.Duration `koanf:"restriction_ttl"`
}

type OrchestratorConfig struct {
	EventInterval    time.Duration `koanf:"event_interval" validate:"gt=0"`
	PostureInterval  time.Duration `koanf:"posture_interval" validate:"gt=0"`
	PatternInterval  time.Duration `koanf:"pattern_interval" validate:"gt=0"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
	ErrorBackoff     time.Duration `koanf:"error_backoff" validate:"gt=0"`
	IterationTimeout time.Duration `koanf:"iteration_timeout"`
	SubmitTimeout    time.Duration `koanf:"submit_timeout"`
	ThreatWindow     time.Duration `koanf:"threat_window"`
	PatternWindow    time.Duration `koanf:"pattern_window"`
	Retention        time.Duration `koanf:"retention"`
	EventBatchSize   int64         `koanf:"event_batch_size" validate:"min=1"`
}

type ClassifierConfig struct {
	PatternFile string `koanf:"pattern_file"`
	WatchFile   bool   `koanf:"watch_file"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name" validate:"required"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate" validate:"min=0,max=1"`
}

type NATSConfig struct {
	URL          string `koanf:"url"`
	AlertSubject string `koanf:"alert_subject"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "redis",
			Redis: RedisConfig{
				URL:          "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				MaxRetries:   -1,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  time.Second,
				WriteTimeout: time.Second,
			},
		},
		Monitor: MonitorConfig{
			FailedLoginThreshold: 5,
			FailedLoginWindow:    time.Hour,
			RequestLimit:         100,
			RequestWindow:        time.Minute,
			SuspiciousThreshold:  10,
			SuspiciousWindow:     time.Hour,
			ViolationWindow:      time.Hour,
			AIViolationWindow:    24 * time.Hour,
			EventBucketSize:      10000,
			PendingQueueSize:     10000,
		},
		Defense: DefenseConfig{
			BlockGracePeriod: 60 * time.Second,
			BlockCacheSize:   10000,
			RestrictionTTL:   time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			EventInterval:    10 * time.Second,
			PostureInterval:  30 * time.Second,
			PatternInterval:  300 * time.Second,
			CleanupInterval:  3600 * time.Second,
			ErrorBackoff:     5 * time.Second,
			IterationTimeout: 30 * time.Second,
			SubmitTimeout:    50 * time.Millisecond,
			ThreatWindow:     15 * time.Minute,
			PatternWindow:    time.Hour,
			Retention:        24 * time.Hour,
			EventBatchSize:   500,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "threatguard",
			SampleRate:  0.1,
		},
		NATS: NATSConfig{
			AlertSubject: "security.alerts",
		},
	}
}

// Load layers defaults, the optional config file and THREATGUARD_ environment variables
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultConfigFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// section prefixes, longest first, so THREATGUARD_STORE_REDIS_POOL_SIZE maps to store.redis.pool_size
var sectionPrefixes = []string{
	"store_redis_",
	"server_", "store_", "monitor_", "defense_", "orchestrator_",
	"classifier_", "telemetry_", "nats_",
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, prefix := range sectionPrefixes {
		if strings.HasPrefix(key, prefix) {
			return strings.ReplaceAll(strings.TrimSuffix(prefix, "_"), "_", ".") + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}
