package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// MetricSample is one stored metric reading
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// CleanupStats reports what a cleanup pass removed
type CleanupStats struct {
	EventBuckets  int64 `json:"event_buckets"`
	MetricBuckets int64 `json:"metric_buckets"`
	ResolvedIDs   int   `json:"resolved_ids"`
}

// persistEvent writes ev to its hourly bucket and, when it needs background
// handling, to the pending queue
func (m *Monitor) persistEvent(ctx context.Context, ev *security.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if err := m.store.AppendToList(ctx, store.EventBucketKey(ev.Timestamp), string(data), m.cfg.EventBucketSize); err != nil {
		return fmt.Errorf("storing event: %w", err)
	}

	if ev.IsSecurityRelevant() {
		if err := m.store.AppendToList(ctx, store.PendingEventsKey, string(data), m.cfg.PendingQueueSize); err != nil {
			return fmt.Errorf("queueing event: %w", err)
		}
	}
	return nil
}

// PopPending removes up to n queued events, oldest first
func (m *Monitor) PopPending(ctx context.Context, n int64) ([]*security.Event, error) {
	raw, err := m.store.PopList(ctx, store.PendingEventsKey, n)
	if err != nil {
		return nil, fmt.Errorf("popping pending events: %w", err)
	}
	return m.decodeEvents(raw), nil
}

// RecentEvents returns events recorded within window, oldest first.
// When the store is unreachable the local history is served instead.
func (m *Monitor) RecentEvents(ctx context.Context, window time.Duration) ([]*security.Event, error) {
	now := m.now()
	since := now.Add(-window)

	var out []*security.Event
	for hour := since.UTC().Truncate(time.Hour); !hour.After(now); hour = hour.Add(time.Hour) {
		raw, err := m.store.ListRange(ctx, store.EventBucketKey(hour))
		if err != nil {
			m.logger.Warn("serving events from local history", zap.Error(err))
			m.metrics.StoreError("monitor")
			return filterSince(m.events.snapshot(), since), nil
		}
		out = append(out, m.decodeEvents(raw)...)
	}
	return filterSince(out, since), nil
}

func filterSince(events []*security.Event, since time.Time) []*security.Event {
	out := make([]*security.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Monitor) decodeEvents(raw []string) []*security.Event {
	out := make([]*security.Event, 0, len(raw))
	for _, item := range raw {
		var ev security.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			m.logger.Warn("skipping malformed event", zap.Error(err))
			continue
		}
		out = append(out, &ev)
	}
	return out
}

// RecordMetric stores a metric sample and records an anomaly event when the
// value is outside its threshold. The returned alert is nil for normal samples.
func (m *Monitor) RecordMetric(ctx context.Context, name string, value float64) (*security.Alert, error) {
	now := m.now()

	data, err := json.Marshal(MetricSample{Name: name, Value: value, Timestamp: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("encoding metric sample: %w", err)
	}
	if err := m.store.AppendToList(ctx, store.MetricBucketKey(name, now), string(data), m.cfg.EventBucketSize); err != nil {
		m.metrics.StoreError("monitor")
		return nil, fmt.Errorf("storing metric sample: %w", err)
	}

	anomaly, ok := m.classifier.DetectAnomaly(name, value)
	if !ok {
		return nil, nil
	}

	ev, err := security.NewEvent(security.EventTypeAnomaly, "metric:"+name, map[string]interface{}{
		"metric":    name,
		"value":     strconv.FormatFloat(value, 'f', -1, 64),
		"threshold": strconv.FormatFloat(anomaly.Threshold, 'f', -1, 64),
		"inverse":   anomaly.Inverse,
	}, now)
	if err != nil {
		return nil, err
	}
	ev.Severity = anomaly.Severity
	ev.ThreatTypes = []security.ThreatType{security.ThreatAnomaly}

	return m.RecordEvent(ctx, ev)
}

// Cleanup deletes event and metric buckets older than retention and prunes
// resolved ids of evicted alerts
func (m *Monitor) Cleanup(ctx context.Context, retention time.Duration) (CleanupStats, error) {
	var stats CleanupStats
	cutoff := m.now().Add(-retention).UTC().Truncate(time.Hour)

	n, err := m.deleteBuckets(ctx, store.EventsPrefix, cutoff)
	if err != nil {
		return stats, err
	}
	stats.EventBuckets = n

	n, err = m.deleteBuckets(ctx, store.MetricsPrefix, cutoff)
	if err != nil {
		return stats, err
	}
	stats.MetricBuckets = n

	pruned, err := m.pruneResolved(ctx)
	if err != nil {
		return stats, fmt.Errorf("pruning resolved alerts: %w", err)
	}
	stats.ResolvedIDs = pruned

	buffered := make(map[string]bool)
	for _, a := range m.alerts.snapshot() {
		buffered[a.ID] = true
	}
	m.resolvedMu.Lock()
	for id := range m.resolvedLocal {
		if !buffered[id] {
			delete(m.resolvedLocal, id)
		}
	}
	m.resolvedMu.Unlock()

	return stats, nil
}

// deleteBuckets removes hourly buckets under prefix that ended before cutoff
func (m *Monitor) deleteBuckets(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	keys, err := m.store.Scan(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", prefix, err)
	}

	var stale []string
	for _, key := range keys {
		hour, ok := store.BucketTime(key)
		if ok && hour.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := m.store.Delete(ctx, stale...)
	if err != nil {
		return 0, fmt.Errorf("deleting buckets: %w", err)
	}
	m.logger.Info("expired buckets deleted", zap.String("prefix", prefix), zap.Int64("count", n))
	return n, nil
}
