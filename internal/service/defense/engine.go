package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/errors"
	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/config"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
	"github.com/davidleathers/threatguard/internal/metrics"
	"github.com/davidleathers/threatguard/internal/service/monitor"
)

// maxPending bounds the mitigations queued for retry
const maxPending = 1000

// MitigationApplied records one action taken for a matching rule
type MitigationApplied struct {
	Rule       string               `json:"rule"`
	Action     security.ActionType  `json:"action"`
	Mitigation *security.Mitigation `json:"mitigation"`
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRules replaces the default rule set
func WithRules(rules []security.DefenseRule) Option {
	return func(e *Engine) {
		e.rules = cloneRules(rules)
	}
}

// Engine evaluates defense rules and applies mitigations through the signal store
type Engine struct {
	store   store.SignalStore
	cfg     config.DefenseConfig
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu    sync.RWMutex
	rules []security.DefenseRule

	// blocks remembers recently observed blocks so checks can fail closed
	// for the grace period while the store is unreachable
	blocks *expirable.LRU[string, *security.Mitigation]

	pendingMu sync.Mutex
	pending   []*security.Mitigation
}

// NewEngine creates a defense engine with the default rules
func NewEngine(s store.SignalStore, cfg config.DefenseConfig, logger *zap.Logger, m *metrics.Registry, opts ...Option) *Engine {
	if m == nil {
		m = metrics.NewNopRegistry()
	}
	size := cfg.BlockCacheSize
	if size <= 0 {
		size = config.Defaults().Defense.BlockCacheSize
	}

	e := &Engine{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		rules:   DefaultRules(),
		blocks:  expirable.NewLRU[string, *security.Mitigation](size, nil, cfg.BlockGracePeriod),
	}
	for _, opt := range opts {
		opt(e)
	}
	sortRules(e.rules)
	return e
}

// Facts builds the rule evaluation context for an event observed at the given
// system threat level
func Facts(ev *security.Event, counters monitor.Counters, alertType security.AlertType, level security.ThreatLevel) security.Facts {
	threats := make([]string, len(ev.ThreatTypes))
	for i, t := range ev.ThreatTypes {
		threats[i] = string(t)
	}
	return security.Facts{
		security.FactEventType:      string(ev.Type),
		security.FactSeverity:       string(ev.Severity),
		security.FactThreatTypes:    threats,
		security.FactAlertType:      string(alertType),
		security.FactFailedLogins:   counters.FailedLogins,
		security.FactRequestCount:   counters.RequestCount,
		security.FactRateViolations: counters.RateViolations,
		security.FactAIViolations:   counters.AIViolations,
		security.FactSuspiciousHits: counters.SuspiciousCount,
		security.FactThreatLevel:    int64(level),
	}
}

// threatLevel reads the stored system threat level. Rules see normal when it
// is unset or can't be read.
func (e *Engine) threatLevel(ctx context.Context) security.ThreatLevel {
	raw, err := e.store.Get(ctx, store.ThreatLevelKey)
	if err != nil {
		if !store.IsNotFound(err) {
			e.metrics.StoreError("defense")
			e.logger.Debug("threat level unavailable to rules", zap.Error(err))
		}
		return security.ThreatLevelNormal
	}
	return security.ParseThreatLevel(raw)
}

// Evaluate runs every enabled rule against the event in priority order and
// applies the actions of each rule that matches. A rule that cannot be
// evaluated is skipped. Mitigations that fail to apply are queued for
// RetryPending and the first such failure is returned with the successful ones.
func (e *Engine) Evaluate(ctx context.Context, ev *security.Event, counters monitor.Counters, alertType security.AlertType) ([]MitigationApplied, error) {
	facts := Facts(ev, counters, alertType, e.threatLevel(ctx))
	now := e.now()

	var (
		applied  []MitigationApplied
		firstErr error
	)
	for _, rule := range e.Rules() {
		if !rule.Enabled {
			continue
		}

		ok, err := rule.Matches(facts)
		if err != nil {
			e.logger.Error("defense rule skipped",
				zap.String("rule", rule.Name),
				zap.String("subject", ev.Subject),
				zap.Error(err))
			e.metrics.RuleErrors.WithLabelValues(rule.Name).Inc()
			continue
		}
		if !ok {
			continue
		}

		for _, action := range rule.Actions {
			mt := action.Type.MitigationType()
			if mt == "" {
				e.logger.Error("unknown rule action", zap.String("rule", rule.Name), zap.String("action", string(action.Type)))
				continue
			}

			reason := fmt.Sprintf("rule %s matched %s event", rule.Name, ev.Type)
			mit := security.NewMitigation(ev.Subject, mt, action.TTL, rule.Name, reason, now)

			result, err := e.Apply(ctx, mit)
			if err != nil {
				e.enqueue(mit)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			applied = append(applied, MitigationApplied{Rule: rule.Name, Action: action.Type, Mitigation: result})
		}
	}

	return applied, firstErr
}

// Rules returns a copy of the rule set in evaluation order
func (e *Engine) Rules() []security.DefenseRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneRules(e.rules)
}

// UpdateRuleParameters replaces the conditions of the named rule and persists
// them so other replicas pick them up. It reports false when no rule has the name.
func (e *Engine) UpdateRuleParameters(ctx context.Context, name string, conditions []security.Condition) (bool, error) {
	if !e.hasRule(name) {
		return false, nil
	}
	if err := validateConditions(conditions); err != nil {
		return false, err
	}

	data, err := json.Marshal(conditions)
	if err != nil {
		return false, fmt.Errorf("encoding conditions: %w", err)
	}
	if err := e.store.HashSet(ctx, store.DefenseRulesKey, map[string]string{name: string(data)}); err != nil {
		e.metrics.StoreError("defense")
		return false, errors.NewStoreUnavailableError("update rule parameters", err)
	}

	e.setConditions(name, conditions)
	e.logger.Info("defense rule parameters updated", zap.String("rule", name), zap.Int("conditions", len(conditions)))
	return true, nil
}

// LoadRuleOverrides applies condition overrides persisted by any replica and
// returns how many rules were updated
func (e *Engine) LoadRuleOverrides(ctx context.Context) (int, error) {
	overrides, err := e.store.HashGetAll(ctx, store.DefenseRulesKey)
	if err != nil {
		e.metrics.StoreError("defense")
		return 0, fmt.Errorf("loading rule overrides: %w", err)
	}

	updated := 0
	for name, raw := range overrides {
		if !e.hasRule(name) {
			e.logger.Warn("override for unknown defense rule", zap.String("rule", name))
			continue
		}
		var conditions []security.Condition
		if err := json.Unmarshal([]byte(raw), &conditions); err != nil {
			e.logger.Warn("skipping malformed rule override", zap.String("rule", name), zap.Error(err))
			continue
		}
		if err := validateConditions(conditions); err != nil {
			e.logger.Warn("skipping invalid rule override", zap.String("rule", name), zap.Error(err))
			continue
		}
		if e.setConditions(name, conditions) {
			updated++
		}
	}
	return updated, nil
}

func (e *Engine) hasRule(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Name == name {
			return true
		}
	}
	return false
}

// setConditions swaps the conditions of a rule and reports whether they changed
func (e *Engine) setConditions(name string, conditions []security.Condition) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].Name != name {
			continue
		}
		if conditionsEqual(e.rules[i].Conditions, conditions) {
			return false
		}
		e.rules[i].Conditions = append([]security.Condition(nil), conditions...)
		return true
	}
	return false
}

func conditionsEqual(a, b []security.Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || a[i].Operator != b[i].Operator || fmt.Sprint(a[i].Value) != fmt.Sprint(b[i].Value) {
			return false
		}
	}
	return true
}

func cloneRules(rules []security.DefenseRule) []security.DefenseRule {
	out := make([]security.DefenseRule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}

func sortRules(rules []security.DefenseRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}
