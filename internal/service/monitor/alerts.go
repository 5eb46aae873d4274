package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// storeAlert appends the alert to the shared buffer, the local ring and the publisher
func (m *Monitor) storeAlert(ctx context.Context, alert *security.Alert) error {
	m.alerts.push(alert)
	m.metrics.AlertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	m.logger.Warn("security alert",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", alert.Subject),
		zap.String("message", alert.Message))

	if err := m.publisher.PublishAlert(ctx, alert); err != nil {
		m.logger.Error("alert fan-out failed", zap.String("alert_id", alert.ID), zap.Error(err))
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if err := m.store.AppendToList(ctx, store.AlertsKey, string(data), security.MaxAlerts); err != nil {
		return fmt.Errorf("storing alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first, with resolution applied.
// When the store is unreachable the local ring is served instead.
func (m *Monitor) RecentAlerts(ctx context.Context, limit int) []*security.Alert {
	alerts, err := m.loadAlerts(ctx)
	if err != nil {
		m.logger.Warn("serving alerts from local buffer", zap.Error(err))
		m.metrics.StoreError("monitor")
		alerts = m.localAlerts()
	}

	out := make([]*security.Alert, 0, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		out = append(out, alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *Monitor) localAlerts() []*security.Alert {
	local := m.alerts.snapshot()

	m.resolvedMu.Lock()
	defer m.resolvedMu.Unlock()

	out := make([]*security.Alert, len(local))
	for i, a := range local {
		c := *a
		if m.resolvedLocal[c.ID] {
			c.MarkResolved()
		}
		out[i] = &c
	}
	return out
}

// loadAlerts reads the shared buffer oldest first and merges the resolved set
func (m *Monitor) loadAlerts(ctx context.Context) ([]*security.Alert, error) {
	raw, err := m.store.ListRange(ctx, store.AlertsKey)
	if err != nil {
		return nil, fmt.Errorf("loading alerts: %w", err)
	}
	resolved, err := m.store.SetMembers(ctx, store.ResolvedAlertsKey)
	if err != nil {
		return nil, fmt.Errorf("loading resolved alerts: %w", err)
	}
	done := make(map[string]bool, len(resolved))
	for _, id := range resolved {
		done[id] = true
	}

	alerts := make([]*security.Alert, 0, len(raw))
	for _, item := range raw {
		var a security.Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			m.logger.Warn("skipping malformed alert", zap.Error(err))
			continue
		}
		if done[a.ID] {
			a.MarkResolved()
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

// ResolveAlert marks the alert resolved. It reports false when no alert has the id.
func (m *Monitor) ResolveAlert(ctx context.Context, id string) (bool, error) {
	alerts, err := m.loadAlerts(ctx)
	if err != nil {
		return false, err
	}

	found := false
	for _, a := range alerts {
		if a.ID == id {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	if err := m.store.AddToSet(ctx, store.ResolvedAlertsKey, id); err != nil {
		return false, fmt.Errorf("resolving alert: %w", err)
	}

	m.resolvedMu.Lock()
	m.resolvedLocal[id] = true
	m.resolvedMu.Unlock()

	m.logger.Info("alert resolved", zap.String("alert_id", id))
	return true, nil
}

// AlertCounts tallies active alerts created within window by severity
func (m *Monitor) AlertCounts(ctx context.Context, window time.Duration) (security.AlertCounts, error) {
	var counts security.AlertCounts

	alerts, err := m.loadAlerts(ctx)
	if err != nil {
		return counts, err
	}

	since := m.now().Add(-window)
	for _, a := range alerts {
		if a.Resolved || a.CreatedAt.Before(since) {
			continue
		}
		counts.Add(a.Severity)
	}
	return counts, nil
}

// pruneResolved drops resolved ids whose alerts were evicted from the buffer
func (m *Monitor) pruneResolved(ctx context.Context) (int, error) {
	resolved, err := m.store.SetMembers(ctx, store.ResolvedAlertsKey)
	if err != nil || len(resolved) == 0 {
		return 0, err
	}
	alerts, err := m.loadAlerts(ctx)
	if err != nil {
		return 0, err
	}
	present := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		present[a.ID] = true
	}

	var orphaned []string
	for _, id := range resolved {
		if !present[id] {
			orphaned = append(orphaned, id)
		}
	}
	if err := m.store.RemoveFromSet(ctx, store.ResolvedAlertsKey, orphaned...); err != nil {
		return 0, err
	}
	return len(orphaned), nil
}
