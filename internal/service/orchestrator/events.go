package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// Event loop escalation thresholds
const (
	// ViolationBlockThreshold is the rate violation count that blocks a subject
	ViolationBlockThreshold = 5
	ViolationBlockTTL       = time.Hour

	// AuthViolationBlockAt is the processed login failure count that blocks a subject
	AuthViolationBlockAt = 10
	AuthViolationWindow  = time.Hour
	AuthViolationTTL     = 30 * time.Minute

	InjectionBlockTTL = 2 * time.Hour
	RestrictionTTL    = time.Hour
	MonitoringTTL     = time.Hour
)

// handler sources recorded on mitigations applied by the event loop
const (
	sourceRateViolation   = "event_loop:rate_violation"
	sourceAuthViolation   = "event_loop:auth_violation"
	sourcePromptInjection = "event_loop:prompt_injection"
	sourceThreat          = "event_loop:threat"
)

// EventReport summarizes one event loop iteration
type EventReport struct {
	Processed   int                  `json:"processed"`
	Failed      int                  `json:"failed"`
	Retried     int                  `json:"retried"`
	Overrides   int                  `json:"overrides"`
	ThreatLevel security.ThreatLevel `json:"threat_level"`
}

// ProcessEvents drains a batch of pending events through the escalation
// handlers, retries failed mitigations, reloads rule overrides and
// recomputes the threat level
func (s *Service) ProcessEvents(ctx context.Context) (EventReport, error) {
	var report EventReport

	events, err := s.monitor.PopPending(ctx, s.cfg.EventBatchSize)
	if err != nil {
		s.metrics.StoreError("orchestrator")
		return report, err
	}

	for _, ev := range events {
		if err := s.handleEvent(ctx, ev); err != nil {
			report.Failed++
			s.logger.Error("event handler failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("type", string(ev.Type)),
				zap.String("subject", ev.Subject),
				zap.Error(err))
		}
		report.Processed++
		s.metrics.ProcessedEvents.Inc()
	}

	report.Retried, _ = s.defense.RetryPending(ctx)

	if report.Overrides, err = s.defense.LoadRuleOverrides(ctx); err != nil {
		return report, err
	}

	if report.ThreatLevel, err = s.RefreshThreatLevel(ctx); err != nil {
		return report, err
	}

	if report.Processed > 0 {
		s.logger.Debug("pending events processed",
			zap.Int("processed", report.Processed),
			zap.Int("failed", report.Failed),
			zap.Int("threat_level", int(report.ThreatLevel)))
	}
	return report, nil
}

// handleEvent escalates a single event beyond the inline rule evaluation
func (s *Service) handleEvent(ctx context.Context, ev *security.Event) error {
	switch ev.Type {
	case security.EventTypeRateViolation, security.EventTypeRequest:
		n, err := s.counter(ctx, store.ViolationsKey(ev.Subject, store.ViolationRateLimit))
		if err != nil {
			return err
		}
		if n >= ViolationBlockThreshold {
			_, err := s.defense.Block(ctx, ev.Subject, ViolationBlockTTL, sourceRateViolation,
				fmt.Sprintf("%d rate limit violations", n))
			return err
		}

	case security.EventTypeLoginFailure:
		n, err := s.store.Increment(ctx, store.ViolationsKey(ev.Subject, store.ViolationAuth), AuthViolationWindow)
		if err != nil {
			return fmt.Errorf("counting auth violation: %w", err)
		}
		if n == AuthViolationBlockAt {
			_, err := s.defense.Block(ctx, ev.Subject, AuthViolationTTL, sourceAuthViolation,
				fmt.Sprintf("%d failed logins", n))
			return err
		}
		return nil

	case security.EventTypeAIPrompt:
		if ev.HasThreat(security.ThreatPromptInjection) {
			_, err := s.defense.Block(ctx, ev.Subject, InjectionBlockTTL, sourcePromptInjection, "prompt injection attempt")
			return err
		}
		if ev.HasThreat(security.ThreatModelManipulation) || ev.HasThreat(security.ThreatResourceAbuse) {
			return s.defense.RestrictModelAccess(ctx, ev.Subject, RestrictionTTL,
				fmt.Sprintf("ai threat %v", ev.ThreatTypes))
		}
	}

	if len(ev.ThreatTypes) > 0 && ev.Severity.AtLeast(security.SeverityHigh) {
		_, err := s.defense.Monitor(ctx, ev.Subject, MonitoringTTL, sourceThreat,
			fmt.Sprintf("%s threat %v", ev.Severity, ev.ThreatTypes))
		return err
	}
	return nil
}

// counter reads a counter value; missing counters are zero
func (s *Service) counter(ctx context.Context, key string) (int64, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s is not an integer: %w", key, err)
	}
	return n, nil
}
