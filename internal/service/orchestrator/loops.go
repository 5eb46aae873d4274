package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/infrastructure/telemetry"
	"github.com/davidleathers/threatguard/internal/service/monitor"
)

// Loop names, also used as metric labels
const (
	LoopEvents   = "events"
	LoopPosture  = "posture"
	LoopPatterns = "patterns"
	LoopCleanup  = "cleanup"
)

// CleanupReport summarizes one cleanup pass
type CleanupReport struct {
	Mitigations int                  `json:"mitigations"`
	Ledger      monitor.CleanupStats `json:"ledger"`
}

type loop struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Start launches the background loops. They run until Stop is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("orchestrator already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, l := range s.loops() {
		s.wg.Add(1)
		go s.runLoop(ctx, l)
	}

	s.logger.Info("security orchestrator started",
		zap.Duration("event_interval", s.cfg.EventInterval),
		zap.Duration("posture_interval", s.cfg.PostureInterval),
		zap.Duration("pattern_interval", s.cfg.PatternInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval))
	return nil
}

// Stop signals the loops and waits for in-flight iterations to finish
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("security orchestrator stopped")
}

func (s *Service) loops() []loop {
	return []loop{
		{LoopEvents, s.cfg.EventInterval, func(ctx context.Context) error {
			_, err := s.ProcessEvents(ctx)
			return err
		}},
		{LoopPosture, s.cfg.PostureInterval, func(ctx context.Context) error {
			_, err := s.UpdatePosture(ctx)
			return err
		}},
		{LoopPatterns, s.cfg.PatternInterval, func(ctx context.Context) error {
			_, err := s.LearnPatterns(ctx)
			return err
		}},
		{LoopCleanup, s.cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := s.Cleanup(ctx)
			return err
		}},
	}
}

// runLoop runs one loop until ctx is cancelled. A failed iteration is
// followed by the error backoff instead of the regular interval.
func (s *Service) runLoop(ctx context.Context, l loop) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("loop", l.name))
	logger.Info("security loop started", zap.Duration("interval", l.interval))

	for {
		if ctx.Err() != nil {
			logger.Info("security loop stopped")
			return
		}

		wait := l.interval
		if err := s.iterate(ctx, l); err != nil {
			logger.Error("security loop iteration failed", zap.Error(err))
			wait = s.cfg.ErrorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("security loop stopped")
			return
		case <-timer.C:
		}
	}
}

// iterate runs a single iteration detached from the stop signal so a
// mitigation write is never cut off halfway
func (s *Service) iterate(ctx context.Context, l loop) (err error) {
	started := time.Now()

	iterCtx := context.WithoutCancel(ctx)
	if s.cfg.IterationTimeout > 0 {
		var cancel context.CancelFunc
		iterCtx, cancel = context.WithTimeout(iterCtx, s.cfg.IterationTimeout)
		defer cancel()
	}

	iterCtx, span := telemetry.StartSpan(iterCtx, "orchestrator.loop."+l.name, attribute.String("loop", l.name))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s loop panicked: %v", l.name, r)
		}
		telemetry.RecordError(span, err)
		s.metrics.ObserveLoop(l.name, started, err)
	}()

	return l.run(iterCtx)
}

// Cleanup removes stale mitigations, expired ledger buckets and resolved ids
// of evicted alerts
func (s *Service) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	n, err := s.defense.Cleanup(ctx)
	if err != nil {
		return report, err
	}
	report.Mitigations = n

	if report.Ledger, err = s.monitor.Cleanup(ctx, s.cfg.Retention); err != nil {
		return report, err
	}

	if _, err := s.defense.BlockedCount(ctx); err != nil {
		return report, err
	}
	return report, nil
}
