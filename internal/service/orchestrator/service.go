package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
	"github.com/davidleathers/threatguard/internal/infrastructure/telemetry"
	"github.com/davidleathers/threatguard/internal/metrics"
	"github.com/davidleathers/threatguard/internal/service/classifier"
	"github.com/davidleathers/threatguard/internal/service/defense"
	"github.com/davidleathers/threatguard/internal/service/monitor"
)

// recentAlertLimit is the number of alerts included in the status report
const recentAlertLimit = 10

// LevelSetter receives the log verbosity chosen by the posture loop
type LevelSetter interface {
	SetLevel(level string) bool
}

// Dependencies are the collaborators of the Service
type Dependencies struct {
	Store      store.SignalStore
	Classifier *classifier.Classifier
	Monitor    *monitor.Monitor
	Defense    *defense.Engine
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	// Levels is optional
	Levels LevelSetter
}

// Status summarizes the security state for operators
type Status struct {
	ThreatLevel         security.ThreatLevel   `json:"threat_level"`
	RecentAlerts        []*security.Alert      `json:"recent_alerts"`
	BlockedSubjectCount int                    `json:"blocked_subject_count"`
	ActiveDefenses      []*security.Mitigation `json:"active_defenses"`
	ThreatPatterns      []string               `json:"threat_patterns"`
	// Degraded is set when part of the report could not be read from the store
	Degraded bool `json:"degraded"`
}

// Service is the entry point of the security subsystem. It records events on
// the request path and runs the background loops that adjust the posture.
type Service struct {
	store      store.SignalStore
	classifier *classifier.Classifier
	monitor    *monitor.Monitor
	defense    *defense.Engine
	logger     *zap.Logger
	metrics    *metrics.Registry
	levels     LevelSetter
	cfg        config.OrchestratorConfig

	postureMu sync.RWMutex
	posture   security.Posture

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the orchestrator service
func New(cfg config.OrchestratorConfig, deps Dependencies) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("signal store is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("monitor is required")
	case deps.Defense == nil:
		return nil, fmt.Errorf("defense engine is required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNopRegistry()
	}

	return &Service{
		store:      deps.Store,
		classifier: deps.Classifier,
		monitor:    deps.Monitor,
		defense:    deps.Defense,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		levels:     deps.Levels,
		cfg:        cfg,
		posture:    security.ScalePosture(security.ThreatLevelNormal),
	}, nil
}

// SubmitEvent classifies and records one event, evaluates the defense rules
// for it and returns the alert it raised. Store failures never reject the
// caller's request: the event is kept locally and no alert is returned.
// An error is returned only for invalid input.
func (s *Service) SubmitEvent(ctx context.Context, eventType security.EventType, subject string, details map[string]interface{}) (*security.Alert, error) {
	start := time.Now()
	defer func() {
		s.metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	}()

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.SubmitEvent",
		attribute.String("event.type", string(eventType)),
		attribute.String("event.subject", subject))
	defer span.End()

	ev, err := security.NewEvent(eventType, subject, details, s.monitor.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	s.enrich(ev)

	if s.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	logger := telemetry.WithTrace(ctx, s.logger)

	res, err := s.monitor.Record(ctx, ev)
	if err != nil {
		telemetry.RecordError(span, err)
		if res == nil {
			logger.Warn("event accepted without store, failing open",
				zap.String("event_id", ev.ID.String()),
				zap.String("type", string(ev.Type)),
				zap.String("subject", ev.Subject),
				zap.Error(err))
			return nil, nil
		}
		logger.Warn("event partially recorded", zap.String("event_id", ev.ID.String()), zap.Error(err))
	}

	var alertType security.AlertType
	if res.Alert != nil {
		alertType = res.Alert.Type
		span.SetAttributes(attribute.String("alert.type", string(alertType)))
	}

	applied, err := s.defense.Evaluate(ctx, res.Event, res.Counters, alertType)
	if err != nil {
		logger.Warn("defense evaluation incomplete", zap.String("subject", ev.Subject), zap.Error(err))
	}
	if len(applied) > 0 {
		span.SetAttributes(attribute.Int("mitigations.applied", len(applied)))
	}

	return res.Alert, nil
}

// enrich attaches the classification of the event details
func (s *Service) enrich(ev *security.Event) {
	if len(ev.Details) > 0 {
		c := s.classifier.Classify(ev.Details)
		ev.ThreatTypes = c.ThreatTypes
		ev.Techniques = c.Techniques
		ev.Severity = security.MaxSeverity(ev.Severity, c.Severity)

		if v, ok := ev.Details["severity"].(string); ok {
			ev.Severity = security.MaxSeverity(ev.Severity, security.ParseSeverity(v))
		}
	}
	if t := ev.Technique(); t != "" {
		ev.Techniques = append(ev.Techniques, t)
	}
}

// IsBlocked reports whether requests from subject must be denied
func (s *Service) IsBlocked(ctx context.Context, subject string) bool {
	return s.defense.IsBlocked(ctx, subject)
}

// IsModelRestricted reports whether subject is barred from AI model endpoints
func (s *Service) IsModelRestricted(ctx context.Context, subject string) bool {
	return s.defense.IsModelRestricted(ctx, subject)
}

// Classify scores a payload without recording anything
func (s *Service) Classify(payload interface{}) classifier.Classification {
	return s.classifier.Classify(payload)
}

// RecordMetric stores a metric sample; anomalous values raise an alert
func (s *Service) RecordMetric(ctx context.Context, name string, value float64) (*security.Alert, error) {
	if name == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	return s.monitor.RecordMetric(ctx, name, value)
}

// GetSecurityStatus reports the threat level, recent alerts and active
// defenses. Parts the store cannot serve are left empty and Degraded is set.
func (s *Service) GetSecurityStatus(ctx context.Context) (*Status, error) {
	status := &Status{
		RecentAlerts: s.monitor.RecentAlerts(ctx, recentAlertLimit),
	}

	level, err := s.threatLevel(ctx)
	if err != nil {
		status.Degraded = true
		level = s.lastPosture().ThreatLevel
	}
	status.ThreatLevel = level

	if status.BlockedSubjectCount, err = s.defense.BlockedCount(ctx); err != nil {
		status.Degraded = true
	}
	if status.ActiveDefenses, err = s.defense.ActiveMitigations(ctx); err != nil {
		status.Degraded = true
	}
	if status.ThreatPatterns, err = s.store.SetMembers(ctx, store.ThreatPatternsKey); err != nil {
		status.Degraded = true
	}

	if status.Degraded {
		s.logger.Warn("security status served degraded")
	}
	return status, nil
}

// ResolveAlert marks an alert resolved
func (s *Service) ResolveAlert(ctx context.Context, id string) (bool, error) {
	return s.monitor.ResolveAlert(ctx, id)
}

// LiftBlock removes the mitigations of subject
func (s *Service) LiftBlock(ctx context.Context, subject string) (bool, error) {
	return s.defense.LiftBlock(ctx, subject)
}

// UpdateDefenseRuleParameters replaces the conditions of a defense rule
func (s *Service) UpdateDefenseRuleParameters(ctx context.Context, name string, conditions []security.Condition) (bool, error) {
	return s.defense.UpdateRuleParameters(ctx, name, conditions)
}

// Rules returns the defense rules in evaluation order
func (s *Service) Rules() []security.DefenseRule {
	return s.defense.Rules()
}

// HealthCheck probes the signal store
func (s *Service) HealthCheck(ctx context.Context) error {
	return store.HealthCheck(ctx, s.store)
}
