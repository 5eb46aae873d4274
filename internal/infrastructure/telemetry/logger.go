package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap logger whose level can be changed at runtime
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// ParseLevel maps a verbosity name to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetupLogger creates a JSON logger; development environments get the console encoder
func SetupLogger(level, environment string) (*Logger, error) {
	atomic := zap.NewAtomicLevelAt(ParseLevel(level))

	cfg := zap.NewProductionConfig()
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomic
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger, level: atomic}, nil
}

// NewLogger wraps an existing zap logger, e.g. zaptest, with a settable level
func NewLogger(logger *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{Logger: logger, level: level}
}

// SetLevel changes verbosity and reports whether it differed
func (l *Logger) SetLevel(level string) bool {
	next := ParseLevel(level)
	if l.level.Level() == next {
		return false
	}
	l.level.SetLevel(next)
	return true
}

// Level returns the current verbosity name
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// WithTrace adds the trace and span ids of ctx to logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
