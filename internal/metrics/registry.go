package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatguard"

// Registry holds all security metrics of the service
type Registry struct {
	// Monitor
	EventsTotal    *prometheus.CounterVec
	AlertsTotal    *prometheus.CounterVec
	DegradedEvents prometheus.Counter

	// Defense
	MitigationsTotal     *prometheus.CounterVec
	MitigationFailures   *prometheus.CounterVec
	RuleErrors           *prometheus.CounterVec
	BlockedSubjects      prometheus.Gauge
	BlockChecksFromCache prometheus.Counter

	// Orchestrator
	ThreatLevel     prometheus.Gauge
	LoopIterations  *prometheus.CounterVec
	LoopDuration    *prometheus.HistogramVec
	ProcessedEvents prometheus.Counter
	LearnedPatterns prometheus.Gauge
	SubmitLatency   prometheus.Histogram

	// Classifier
	ClassificationDuration prometheus.Histogram
	PatternCount           prometheus.Gauge

	// Store
	StoreErrors *prometheus.CounterVec
}

// NewRegistry registers every metric with reg. Pass prometheus.NewRegistry() in tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	return &Registry{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Security events recorded by type",
		}, []string{"type"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		DegradedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "degraded_events_total",
			Help:      "Events accepted while the signal store was unavailable",
		}),
		MitigationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "mitigations_total",
			Help:      "Mitigations applied by type and rule",
		}, []string{"type", "rule"}),
		MitigationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "mitigation_failures_total",
			Help:      "Mitigations that could not be written to the store",
		}, []string{"type"}),
		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "rule_errors_total",
			Help:      "Rule evaluations skipped because of malformed conditions",
		}, []string{"rule"}),
		BlockedSubjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "blocked_subjects",
			Help:      "Subjects with an active block",
		}),
		BlockChecksFromCache: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "block_checks_from_cache_total",
			Help:      "Block checks answered from the last-known cache during store outages",
		}),
		ThreatLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "threat_level",
			Help:      "Current system threat level (1-4)",
		}),
		LoopIterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "loop_iterations_total",
			Help:      "Background loop iterations by loop and result",
		}, []string{"loop", "result"}),
		LoopDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "loop_duration_seconds",
			Help:      "Background loop iteration duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		}, []string{"loop"}),
		ProcessedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "processed_events_total",
			Help:      "Pending events handled by the event loop",
		}),
		LearnedPatterns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "learned_patterns",
			Help:      "Injection phrases learned from recent events",
		}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "submit_duration_seconds",
			Help:      "SubmitEvent latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}),
		ClassificationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "classification_duration_seconds",
			Help:      "Payload classification latency",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to 1s
		}),
		PatternCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "patterns",
			Help:      "Compiled patterns in the library",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Signal store failures by component",
		}, []string{"component"}),
	}
}

// NewNopRegistry returns metrics registered nowhere
func NewNopRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

// ObserveLoop records one loop iteration
func (r *Registry) ObserveLoop(loop string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.LoopIterations.WithLabelValues(loop, result).Inc()
	r.LoopDuration.WithLabelValues(loop).Observe(time.Since(started).Seconds())
}

// StoreError counts a store failure seen by component
func (r *Registry) StoreError(component string) {
	r.StoreErrors.WithLabelValues(component).Inc()
}
