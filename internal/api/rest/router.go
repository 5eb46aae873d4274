package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/service/classifier"
	"github.com/davidleathers/threatguard/internal/service/orchestrator"
)

// SecurityService is the security subsystem as served by the ops API
type SecurityService interface {
	SubmitEvent(ctx context.Context, eventType security.EventType, subject string, details map[string]interface{}) (*security.Alert, error)
	IsBlocked(ctx context.Context, subject string) bool
	IsModelRestricted(ctx context.Context, subject string) bool
	Classify(payload interface{}) classifier.Classification
	GetSecurityStatus(ctx context.Context) (*orchestrator.Status, error)
	ResolveAlert(ctx context.Context, id string) (bool, error)
	LiftBlock(ctx context.Context, subject string) (bool, error)
	UpdateDefenseRuleParameters(ctx context.Context, name string, conditions []security.Condition) (bool, error)
	Rules() []security.DefenseRule
	CurrentPosture(ctx context.Context) security.Posture
	HealthCheck(ctx context.Context) error
}

// Config holds API configuration
type Config struct {
	Logger *zap.Logger
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer     prometheus.Gatherer
	MaxBodyBytes int64
	// HealthTimeout bounds the store probe of /healthz
	HealthTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Logger:        zap.NewNop(),
		Gatherer:      prometheus.DefaultGatherer,
		MaxBodyBytes:  1 << 20,
		HealthTimeout: 2 * time.Second,
	}
}

// NewRouter creates the ops API router
func NewRouter(svc SecurityService, cfg Config) http.Handler {
	defaults := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = defaults.Gatherer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaults.HealthTimeout
	}

	h := NewHandler(svc, cfg)
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/security").Subrouter()
	v1.Use(RequestIDMiddleware(), TracingMiddleware(), RequestLoggingMiddleware(cfg.Logger))

	v1.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.handleSubmitEvent).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/{subject}", h.handleGetBlock).Methods(http.MethodGet)
	v1.HandleFunc("/blocks/{subject}", h.handleLiftBlock).Methods(http.MethodDelete)
	v1.HandleFunc("/alerts/{id}/resolve", h.handleResolveAlert).Methods(http.MethodPost)
	v1.HandleFunc("/rules", h.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{name}", h.handleUpdateRule).Methods(http.MethodPut)
	v1.HandleFunc("/posture", h.handlePosture).Methods(http.MethodGet)
	v1.HandleFunc("/classify", h.handleClassify).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	// panic recovery is the outermost middleware
	return RecoveryMiddleware(cfg.Logger)(r)
}
