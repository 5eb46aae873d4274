package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/errors"
	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// mitigationKey returns the record key for the mitigation's kind
func mitigationKey(subject string, t security.MitigationType) string {
	switch t {
	case security.MitigationIncreasedMonitoring:
		return store.WatchKey(subject)
	case security.MitigationChallenge:
		return store.ChallengeKey(subject)
	default:
		return store.BlockedKey(subject)
	}
}

// Apply records m, merging it with the active record of the same kind so a
// stronger or longer mitigation is never replaced by a weaker one. It returns
// the record now in force.
func (e *Engine) Apply(ctx context.Context, m *security.Mitigation) (*security.Mitigation, error) {
	if m.Subject == "" || !m.Type.IsValid() {
		return nil, errors.NewValidationError("INVALID_MITIGATION", fmt.Sprintf("invalid mitigation %q for %q", m.Type, m.Subject))
	}

	now := e.now()
	key := mitigationKey(m.Subject, m.Type)

	// merge and write in one store step so a concurrent writer can't slip a
	// weaker record over a stronger one
	var merged *security.Mitigation
	var changed bool
	err := e.store.Update(ctx, key, func(current string, exists bool) (string, time.Duration, bool, error) {
		var existing *security.Mitigation
		if exists {
			existing = e.decode(key, current, now)
		}
		merged = security.Merge(existing, m, now)
		changed = merged != existing
		if !changed {
			return "", 0, false, nil
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return "", 0, false, fmt.Errorf("encoding mitigation: %w", err)
		}
		return string(data), merged.Remaining(now), true, nil
	})
	if err != nil {
		return nil, e.applyFailed(m, err)
	}

	if !changed {
		e.remember(merged)
		return merged, nil
	}

	e.remember(merged)
	e.metrics.MitigationsTotal.WithLabelValues(string(merged.Type), merged.Rule).Inc()

	fields := []zap.Field{
		zap.String("subject", merged.Subject),
		zap.String("type", string(merged.Type)),
		zap.String("rule", merged.Rule),
		zap.String("reason", merged.Reason),
	}
	if merged.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *merged.ExpiresAt))
	}
	e.logger.Info("mitigation applied", fields...)

	return merged, nil
}

func (e *Engine) applyFailed(m *security.Mitigation, err error) error {
	e.metrics.MitigationFailures.WithLabelValues(string(m.Type)).Inc()
	e.metrics.StoreError("defense")
	e.logger.Error("mitigation apply failed",
		zap.String("subject", m.Subject),
		zap.String("type", string(m.Type)),
		zap.String("rule", m.Rule),
		zap.Error(err))
	return errors.NewMitigationApplyError(m.Subject, string(m.Type), err)
}

// load reads the active mitigation stored at key; nil when absent
func (e *Engine) load(ctx context.Context, key string) (*security.Mitigation, error) {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return e.decode(key, raw, e.now()), nil
}

// decode parses a stored mitigation; nil when malformed or no longer active
func (e *Engine) decode(key, raw string, now time.Time) *security.Mitigation {
	var m security.Mitigation
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		e.logger.Warn("replacing malformed mitigation record", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !m.IsActive(now) {
		return nil
	}
	return &m
}

// remember caches a block for fail-closed checks during outages
func (e *Engine) remember(m *security.Mitigation) {
	if m != nil && m.Type.IsBlock() {
		e.blocks.Add(m.Subject, m)
	}
}

// IsBlocked reports whether subject has an active block. While the store is
// unreachable, blocks observed within the grace period are still enforced;
// any other subject is let through.
func (e *Engine) IsBlocked(ctx context.Context, subject string) bool {
	m, err := e.load(ctx, store.BlockedKey(subject))
	if err == nil {
		if m == nil {
			e.blocks.Remove(subject)
			return false
		}
		e.remember(m)
		return true
	}

	e.metrics.StoreError("defense")
	if cached, ok := e.blocks.Get(subject); ok && cached.IsActive(e.now()) {
		e.metrics.BlockChecksFromCache.Inc()
		e.logger.Debug("block check answered from cache", zap.String("subject", subject), zap.Error(err))
		return true
	}
	return false
}

// Block is a convenience for applying a temporary block outside rule evaluation
func (e *Engine) Block(ctx context.Context, subject string, ttl time.Duration, source, reason string) (*security.Mitigation, error) {
	return e.Apply(ctx, security.NewMitigation(subject, security.MitigationTemporaryBlock, ttl, source, reason, e.now()))
}

// Monitor places subject under increased monitoring
func (e *Engine) Monitor(ctx context.Context, subject string, ttl time.Duration, source, reason string) (*security.Mitigation, error) {
	return e.Apply(ctx, security.NewMitigation(subject, security.MitigationIncreasedMonitoring, ttl, source, reason, e.now()))
}

// LiftBlock removes the block, challenge and monitoring records of subject.
// It reports false when none existed.
func (e *Engine) LiftBlock(ctx context.Context, subject string) (bool, error) {
	n, err := e.store.Delete(ctx,
		store.BlockedKey(subject),
		store.ChallengeKey(subject),
		store.WatchKey(subject))
	if err != nil {
		e.metrics.StoreError("defense")
		return false, errors.NewStoreUnavailableError("lift block", err)
	}
	e.blocks.Remove(subject)

	if n > 0 {
		e.logger.Info("mitigations lifted", zap.String("subject", subject), zap.Int64("records", n))
	}
	return n > 0, nil
}

// ActiveMitigations lists every active mitigation, ordered by subject then strength
func (e *Engine) ActiveMitigations(ctx context.Context) ([]*security.Mitigation, error) {
	var out []*security.Mitigation
	for _, prefix := range []string{store.BlockedPrefix, store.ChallengePrefix, store.WatchPrefix} {
		keys, err := e.store.Scan(ctx, prefix)
		if err != nil {
			e.metrics.StoreError("defense")
			return nil, fmt.Errorf("listing mitigations: %w", err)
		}
		for _, key := range keys {
			m, err := e.load(ctx, key)
			if err != nil {
				e.metrics.StoreError("defense")
				return nil, fmt.Errorf("reading mitigation %s: %w", key, err)
			}
			if m != nil {
				out = append(out, m)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Type.Strength() > out[j].Type.Strength()
	})
	return out, nil
}

// BlockedCount returns the number of subjects with a block record
func (e *Engine) BlockedCount(ctx context.Context) (int, error) {
	keys, err := e.store.Scan(ctx, store.BlockedPrefix)
	if err != nil {
		e.metrics.StoreError("defense")
		return 0, fmt.Errorf("counting blocks: %w", err)
	}
	e.metrics.BlockedSubjects.Set(float64(len(keys)))
	return len(keys), nil
}

// RestrictModelAccess restricts subject from AI model endpoints for ttl;
// ttl <= 0 uses the configured restriction period
func (e *Engine) RestrictModelAccess(ctx context.Context, subject string, ttl time.Duration, reason string) error {
	if ttl <= 0 {
		ttl = e.cfg.RestrictionTTL
	}
	if err := e.store.SetWithTTL(ctx, store.AIRestrictedKey(subject), reason, ttl); err != nil {
		return e.restrictFailed(subject, err)
	}
	if err := e.store.AddToSet(ctx, store.AIRestrictedSetKey, subject); err != nil {
		return e.restrictFailed(subject, err)
	}

	e.metrics.MitigationsTotal.WithLabelValues("model_restriction", "").Inc()
	e.logger.Info("model access restricted",
		zap.String("subject", subject),
		zap.Duration("ttl", ttl),
		zap.String("reason", reason))
	return nil
}

func (e *Engine) restrictFailed(subject string, err error) error {
	e.metrics.MitigationFailures.WithLabelValues("model_restriction").Inc()
	e.metrics.StoreError("defense")
	e.logger.Error("model restriction failed", zap.String("subject", subject), zap.Error(err))
	return errors.NewMitigationApplyError(subject, "model_restriction", err)
}

// IsModelRestricted reports whether subject is restricted from AI model endpoints.
// It fails open when the store is unreachable.
func (e *Engine) IsModelRestricted(ctx context.Context, subject string) bool {
	_, err := e.store.Get(ctx, store.AIRestrictedKey(subject))
	if err == nil {
		return true
	}
	if !store.IsNotFound(err) {
		e.metrics.StoreError("defense")
	}
	return false
}

func (e *Engine) enqueue(m *security.Mitigation) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) >= maxPending {
		e.logger.Warn("mitigation retry queue full, dropping oldest", zap.String("subject", e.pending[0].Subject))
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, m)
}

// PendingCount returns the number of mitigations awaiting retry
func (e *Engine) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// RetryPending retries each queued mitigation once. Mitigations that fail
// again or have expired meanwhile are dropped.
func (e *Engine) RetryPending(ctx context.Context) (applied, dropped int) {
	e.pendingMu.Lock()
	queue := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	now := e.now()
	for _, m := range queue {
		if !m.IsActive(now) {
			dropped++
			continue
		}
		if _, err := e.Apply(ctx, m); err != nil {
			dropped++
			continue
		}
		applied++
	}

	if len(queue) > 0 {
		e.logger.Info("pending mitigations retried", zap.Int("applied", applied), zap.Int("dropped", dropped))
	}
	return applied, dropped
}

// Cleanup removes mitigation records that are expired or unreadable and
// prunes restricted subjects whose restriction lapsed. It returns the number
// of entries removed.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	now := e.now()
	var stale []string

	for _, prefix := range []string{store.BlockedPrefix, store.ChallengePrefix, store.WatchPrefix} {
		keys, err := e.store.Scan(ctx, prefix)
		if err != nil {
			e.metrics.StoreError("defense")
			return 0, fmt.Errorf("scanning mitigations: %w", err)
		}
		for _, key := range keys {
			raw, err := e.store.Get(ctx, key)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				return 0, fmt.Errorf("reading mitigation %s: %w", key, err)
			}
			var m security.Mitigation
			if json.Unmarshal([]byte(raw), &m) != nil || !m.IsActive(now) {
				stale = append(stale, key)
			}
		}
	}

	removed := 0
	if len(stale) > 0 {
		n, err := e.store.Delete(ctx, stale...)
		if err != nil {
			return 0, fmt.Errorf("deleting stale mitigations: %w", err)
		}
		removed += int(n)
	}

	members, err := e.store.SetMembers(ctx, store.AIRestrictedSetKey)
	if err != nil {
		return removed, fmt.Errorf("listing model restrictions: %w", err)
	}
	var lapsed []string
	for _, subject := range members {
		if _, err := e.store.Get(ctx, store.AIRestrictedKey(subject)); store.IsNotFound(err) {
			lapsed = append(lapsed, subject)
		}
	}
	if len(lapsed) > 0 {
		if err := e.store.RemoveFromSet(ctx, store.AIRestrictedSetKey, lapsed...); err != nil {
			return removed, fmt.Errorf("pruning model restrictions: %w", err)
		}
		removed += len(lapsed)
	}

	if removed > 0 {
		e.logger.Info("stale mitigations removed", zap.Int("count", removed))
	}
	return removed, nil
}
