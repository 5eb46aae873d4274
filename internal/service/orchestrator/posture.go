package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// postureLevelField tags each posture hash with the threat level it was scaled for
const postureLevelField = "threat_level"

// threatLevel reads the stored threat level; a missing key means normal
func (s *Service) threatLevel(ctx context.Context) (security.ThreatLevel, error) {
	raw, err := s.store.Get(ctx, store.ThreatLevelKey)
	if err != nil {
		if store.IsNotFound(err) {
			return security.ThreatLevelNormal, nil
		}
		s.metrics.StoreError("orchestrator")
		return 0, fmt.Errorf("reading threat level: %w", err)
	}
	return security.ParseThreatLevel(raw), nil
}

// RefreshThreatLevel recomputes the threat level from the active alerts of
// the trailing window and stores it
func (s *Service) RefreshThreatLevel(ctx context.Context) (security.ThreatLevel, error) {
	counts, err := s.monitor.AlertCounts(ctx, s.cfg.ThreatWindow)
	if err != nil {
		return 0, fmt.Errorf("counting alerts: %w", err)
	}
	level := security.ComputeThreatLevel(counts)

	previous, err := s.threatLevel(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetWithTTL(ctx, store.ThreatLevelKey, strconv.Itoa(int(level)), 0); err != nil {
		s.metrics.StoreError("orchestrator")
		return 0, fmt.Errorf("storing threat level: %w", err)
	}
	s.metrics.ThreatLevel.Set(float64(level))

	if level != previous {
		s.logger.Warn("threat level changed",
			zap.Int("from", int(previous)),
			zap.Int("to", int(level)),
			zap.Int("critical_alerts", counts.Critical),
			zap.Int("high_alerts", counts.High),
			zap.Int("medium_alerts", counts.Medium))
	}
	return level, nil
}

// UpdatePosture scales rate limits, security rules and monitoring to the
// current threat level, persists them and applies the log verbosity
func (s *Service) UpdatePosture(ctx context.Context) (security.Posture, error) {
	level, err := s.threatLevel(ctx)
	if err != nil {
		return security.Posture{}, err
	}
	posture := security.ScalePosture(level)

	writes := []struct {
		key    string
		fields map[string]string
	}{
		{store.RateLimitsKey, posture.RateLimits.Fields()},
		{store.SecurityRulesKey, posture.Rules.Fields()},
		{store.MonitoringKey, posture.Monitoring.Fields()},
	}
	for _, w := range writes {
		w.fields[postureLevelField] = strconv.Itoa(int(level))
		if err := s.store.HashSet(ctx, w.key, w.fields); err != nil {
			s.metrics.StoreError("orchestrator")
			return posture, fmt.Errorf("storing %s: %w", w.key, err)
		}
	}

	s.remember(posture)
	s.metrics.ThreatLevel.Set(float64(level))

	if s.levels != nil && s.levels.SetLevel(posture.Monitoring.LogVerbosity) {
		s.logger.Info("log verbosity changed",
			zap.String("level", posture.Monitoring.LogVerbosity),
			zap.Int("threat_level", int(level)))
	}
	return posture, nil
}

// postureHash reads a persisted posture hash. ok is false when the hash is
// missing or was scaled for a level other than the current one, in which case
// callers rescale from the level rather than wait for the next posture update.
func (s *Service) postureHash(ctx context.Context, key string, level security.ThreatLevel) (map[string]string, bool) {
	fields, err := s.store.HashGetAll(ctx, key)
	if err != nil || fields[postureLevelField] != strconv.Itoa(int(level)) {
		return nil, false
	}
	return fields, true
}

// CurrentPosture returns the persisted posture for the current threat level,
// scaling any part that is missing or stale. When the level cannot be read the
// last known posture is used.
func (s *Service) CurrentPosture(ctx context.Context) security.Posture {
	level, err := s.threatLevel(ctx)
	if err != nil {
		return s.lastPosture()
	}
	posture := security.ScalePosture(level)

	if fields, ok := s.postureHash(ctx, store.RateLimitsKey, level); ok {
		if limits, ok := security.RateLimitsFromFields(fields); ok {
			posture.RateLimits = limits
		}
	}
	if fields, ok := s.postureHash(ctx, store.SecurityRulesKey, level); ok {
		if rules, ok := security.SecurityRulesFromFields(fields); ok {
			posture.Rules = rules
		}
	}
	if fields, ok := s.postureHash(ctx, store.MonitoringKey, level); ok {
		if mon, ok := security.MonitoringConfigFromFields(fields); ok {
			posture.Monitoring = mon
		}
	}

	s.remember(posture)
	return posture
}

// CurrentRateLimitMultiplier returns the factor applied to the base request limits
func (s *Service) CurrentRateLimitMultiplier(ctx context.Context) float64 {
	level, err := s.threatLevel(ctx)
	if err != nil {
		return s.lastPosture().RateLimits.Multiplier
	}
	if fields, ok := s.postureHash(ctx, store.RateLimitsKey, level); ok {
		if limits, ok := security.RateLimitsFromFields(fields); ok {
			return limits.Multiplier
		}
	}
	return security.RateLimitMultiplier(level)
}

// CurrentSecurityRules returns the authentication rules in force
func (s *Service) CurrentSecurityRules(ctx context.Context) security.SecurityRules {
	level, err := s.threatLevel(ctx)
	if err != nil {
		return s.lastPosture().Rules
	}
	if fields, ok := s.postureHash(ctx, store.SecurityRulesKey, level); ok {
		if rules, ok := security.SecurityRulesFromFields(fields); ok {
			return rules
		}
	}
	return security.ScaleSecurityRules(level)
}

func (s *Service) remember(p security.Posture) {
	s.postureMu.Lock()
	s.posture = p
	s.postureMu.Unlock()
}

func (s *Service) lastPosture() security.Posture {
	s.postureMu.RLock()
	defer s.postureMu.RUnlock()
	return s.posture
}
