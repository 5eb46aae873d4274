package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/infrastructure/events"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
	"github.com/davidleathers/threatguard/internal/metrics"
	"github.com/davidleathers/threatguard/internal/service/classifier"
)

// localEventCapacity bounds the in-process event history used while the store is down
const localEventCapacity = 1000

// Counters are the rolling counter values observed while recording an event.
// Zero means the counter was not touched by this event.
type Counters struct {
	FailedLogins    int64 `json:"failed_logins"`
	RequestCount    int64 `json:"request_count"`
	RateViolations  int64 `json:"rate_violations"`
	AIViolations    int64 `json:"ai_violations"`
	SuspiciousCount int64 `json:"suspicious_count"`
}

// Result is the outcome of recording one event
type Result struct {
	// Event is the recorded event, with severity escalated for repeat offenders
	Event *security.Event
	// Alert is the most significant alert raised, nil when no threshold was crossed
	Alert *security.Alert
	// Alerts holds every alert raised, most significant first
	Alerts   []*security.Alert
	Counters Counters
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithPublisher fans new alerts out through p
func WithPublisher(p events.AlertPublisher) Option {
	return func(m *Monitor) {
		m.publisher = p
	}
}

// Monitor records events, maintains rolling counters and raises alerts
type Monitor struct {
	store      store.SignalStore
	classifier *classifier.Classifier
	publisher  events.AlertPublisher
	cfg        config.MonitorConfig
	logger     *zap.Logger
	metrics    *metrics.Registry
	now        func() time.Time

	// alerts and events are never mutated once pushed
	alerts *ringBuffer[*security.Alert]
	events *ringBuffer[*security.Event]

	resolvedMu    sync.Mutex
	resolvedLocal map[string]bool
}

// New creates a monitor
func New(s store.SignalStore, c *classifier.Classifier, cfg config.MonitorConfig, logger *zap.Logger, m *metrics.Registry, opts ...Option) *Monitor {
	if m == nil {
		m = metrics.NewNopRegistry()
	}
	mon := &Monitor{
		store:      s,
		classifier: c,
		publisher:  events.NoopPublisher{},
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		alerts:     newRingBuffer[*security.Alert](security.MaxAlerts),
		events:     newRingBuffer[*security.Event](localEventCapacity),

		resolvedLocal: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(mon)
	}
	return mon
}

// Now returns the monitor's clock reading
func (m *Monitor) Now() time.Time {
	return m.now()
}

// RecordEvent records ev and returns the alert it raised, if any
func (m *Monitor) RecordEvent(ctx context.Context, ev *security.Event) (*security.Alert, error) {
	res, err := m.Record(ctx, ev)
	if err != nil {
		return nil, err
	}
	return res.Alert, nil
}

// Record increments the counters ev touches, raises alerts for thresholds
// crossed by this very increment and persists the event. A failed increment
// aborts recording, keeping the event only in the local history. Once counted,
// alerts and the event are each written even if another write fails.
func (m *Monitor) Record(ctx context.Context, ev *security.Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	m.metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	res, err := m.count(ctx, ev)
	if err != nil {
		m.events.push(ev)
		m.metrics.DegradedEvents.Inc()
		m.metrics.StoreError("monitor")
		return nil, err
	}
	m.events.push(res.Event)

	// every write is attempted; detection fires once per threshold crossing,
	// so an alert dropped here would never be raised again
	var firstErr error
	for _, alert := range res.Alerts {
		if err := m.storeAlert(ctx, alert); err != nil {
			m.metrics.StoreError("monitor")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := m.persistEvent(ctx, res.Event); err != nil {
		m.metrics.StoreError("monitor")
		if firstErr == nil {
			firstErr = err
		}
	}

	return res, firstErr
}

// count runs the threshold table for ev
func (m *Monitor) count(ctx context.Context, ev *security.Event) (*Result, error) {
	res := &Result{Event: ev}
	var (
		thresholdAlert *security.Alert
		detection      *security.Alert
		suspicious     *security.Alert
	)

	switch ev.Type {
	case security.EventTypeLoginFailure:
		identity := ev.Identity
		if identity == "" {
			identity = "unknown"
		}
		n, err := m.store.Increment(ctx, store.FailedLoginsKey(ev.Subject, identity), m.cfg.FailedLoginWindow)
		if err != nil {
			return nil, fmt.Errorf("counting failed login: %w", err)
		}
		res.Counters.FailedLogins = n
		if n == m.cfg.FailedLoginThreshold {
			thresholdAlert = security.NewAlert(security.AlertFailedLogin, security.SeverityHigh,
				fmt.Sprintf("%d failed login attempts for %s from %s", n, identity, ev.Subject), ev, m.now())
		}

	case security.EventTypeRequest:
		n, err := m.store.Increment(ctx, store.RequestsKey(ev.Subject), m.cfg.RequestWindow)
		if err != nil {
			return nil, fmt.Errorf("counting request: %w", err)
		}
		res.Counters.RequestCount = n
		if n == m.cfg.RequestLimit+1 {
			thresholdAlert = security.NewAlert(security.AlertRateLimitExceeded, security.SeverityMedium,
				fmt.Sprintf("%s exceeded %d requests per %s", ev.Subject, m.cfg.RequestLimit, m.cfg.RequestWindow), ev, m.now())

			v, err := m.store.Increment(ctx, store.ViolationsKey(ev.Subject, store.ViolationRateLimit), m.cfg.ViolationWindow)
			if err != nil {
				return nil, fmt.Errorf("counting rate violation: %w", err)
			}
			res.Counters.RateViolations = v
		}

	case security.EventTypeRateViolation:
		v, err := m.store.Increment(ctx, store.ViolationsKey(ev.Subject, store.ViolationRateLimit), m.cfg.ViolationWindow)
		if err != nil {
			return nil, fmt.Errorf("counting rate violation: %w", err)
		}
		res.Counters.RateViolations = v
	}

	if ev.Type == security.EventTypeAIPrompt && len(ev.ThreatTypes) > 0 {
		v, err := m.store.Increment(ctx, store.ViolationsKey(ev.Subject, store.ViolationAI), m.cfg.AIViolationWindow)
		if err != nil {
			return nil, fmt.Errorf("counting ai violation: %w", err)
		}
		res.Counters.AIViolations = v
	}

	if isSuspicious(ev) {
		n, err := m.store.Increment(ctx, store.SuspiciousKey(ev.Subject), m.cfg.SuspiciousWindow)
		if err != nil {
			return nil, fmt.Errorf("counting suspicious activity: %w", err)
		}
		res.Counters.SuspiciousCount = n
		if n >= m.cfg.SuspiciousThreshold && !ev.Severity.AtLeast(security.SeverityHigh) {
			escalated := *ev
			escalated.Severity = security.SeverityHigh
			res.Event = &escalated
		}
		if n == m.cfg.SuspiciousThreshold {
			suspicious = security.NewAlert(security.AlertSuspiciousActivity, security.SeverityHigh,
				fmt.Sprintf("%d suspicious events from %s within %s", n, ev.Subject, m.cfg.SuspiciousWindow), ev, m.now())
		}
	}

	detection = m.detectionAlert(res.Event)

	for _, a := range []*security.Alert{thresholdAlert, detection, suspicious} {
		if a != nil {
			res.Alerts = append(res.Alerts, a)
		}
	}
	if len(res.Alerts) > 0 {
		res.Alert = res.Alerts[0]
	}
	return res, nil
}

// detectionAlert raises a per-event alert for classified threats
func (m *Monitor) detectionAlert(ev *security.Event) *security.Alert {
	switch {
	case ev.Type == security.EventTypeAnomaly:
		return security.NewAlert(security.AlertAnomalyDetected, security.MaxSeverity(ev.Severity, security.SeverityMedium),
			fmt.Sprintf("anomaly reported for %s", ev.Subject), ev, m.now())
	case len(ev.ThreatTypes) == 0 || !ev.Severity.AtLeast(security.SeverityHigh):
		return nil
	case ev.Type == security.EventTypeAIPrompt:
		return security.NewAlert(security.AlertAISecurity, ev.Severity,
			fmt.Sprintf("AI prompt threat %v from %s", ev.ThreatTypes, ev.Subject), ev, m.now())
	default:
		return security.NewAlert(security.AlertThreatDetected, ev.Severity,
			fmt.Sprintf("threat %v detected from %s", ev.ThreatTypes, ev.Subject), ev, m.now())
	}
}

func isSuspicious(ev *security.Event) bool {
	return len(ev.ThreatTypes) > 0 || ev.Severity.AtLeast(security.SeverityMedium)
}
