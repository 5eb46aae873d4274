package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// Pattern learning thresholds over the trailing pattern window
const (
	SubjectVolumeThreshold    = 50
	SubjectVolumeBlockTTL     = 24 * time.Hour
	ThreatPatternThreshold    = 10
	InjectionPatternThreshold = 5

	sourceSubjectVolume = "pattern_loop:subject_volume"
)

// PatternReport summarizes one pattern learning pass
type PatternReport struct {
	Events            int      `json:"events"`
	BlockedSubjects   []string `json:"blocked_subjects"`
	ThreatPatterns    []string `json:"threat_patterns"`
	InjectionPatterns []string `json:"injection_patterns"`
	Learned           int      `json:"learned"`
}

// LearnPatterns aggregates the security events of the trailing window. Very
// active subjects are blocked, frequent threat types are recorded and
// recurring injection techniques are fed back into the classifier.
func (s *Service) LearnPatterns(ctx context.Context) (PatternReport, error) {
	var report PatternReport

	events, err := s.monitor.RecentEvents(ctx, s.cfg.PatternWindow)
	if err != nil {
		return report, err
	}

	subjects := make(map[string]int)
	threats := make(map[security.ThreatType]int)
	techniques := make(map[string]int)
	for _, ev := range events {
		if !ev.IsSecurityRelevant() {
			continue
		}
		report.Events++
		subjects[ev.Subject]++
		for _, t := range ev.ThreatTypes {
			threats[t]++
		}
		for _, t := range ev.Techniques {
			techniques[t]++
		}
	}

	for _, subject := range sortedKeys(subjects) {
		n := subjects[subject]
		if n < SubjectVolumeThreshold {
			continue
		}
		if _, err := s.defense.Block(ctx, subject, SubjectVolumeBlockTTL, sourceSubjectVolume,
			fmt.Sprintf("%d security events within %s", n, s.cfg.PatternWindow)); err != nil {
			return report, err
		}
		report.BlockedSubjects = append(report.BlockedSubjects, subject)
	}

	for t, n := range threats {
		if n >= ThreatPatternThreshold {
			report.ThreatPatterns = append(report.ThreatPatterns, string(t))
		}
	}
	sort.Strings(report.ThreatPatterns)
	if err := s.store.AddToSet(ctx, store.ThreatPatternsKey, report.ThreatPatterns...); err != nil {
		s.metrics.StoreError("orchestrator")
		return report, fmt.Errorf("storing threat patterns: %w", err)
	}

	for _, t := range sortedKeys(techniques) {
		if techniques[t] >= InjectionPatternThreshold && strings.Contains(strings.ToLower(t), "injection") {
			report.InjectionPatterns = append(report.InjectionPatterns, t)
		}
	}
	if err := s.store.AddToSet(ctx, store.InjectionPatternsKey, report.InjectionPatterns...); err != nil {
		s.metrics.StoreError("orchestrator")
		return report, fmt.Errorf("storing injection patterns: %w", err)
	}

	if report.Learned, err = s.classifier.SyncLearned(ctx, s.store); err != nil {
		return report, err
	}

	learned, err := s.store.SetMembers(ctx, store.InjectionPatternsKey)
	if err == nil {
		s.metrics.LearnedPatterns.Set(float64(len(learned)))
	}

	if len(report.BlockedSubjects)+len(report.ThreatPatterns)+report.Learned > 0 {
		s.logger.Info("security patterns learned",
			zap.Int("events", report.Events),
			zap.Strings("blocked_subjects", report.BlockedSubjects),
			zap.Strings("threat_patterns", report.ThreatPatterns),
			zap.Int("learned", report.Learned))
	}
	return report, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
