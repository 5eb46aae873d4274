package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/errors"
	"github.com/davidleathers/threatguard/internal/domain/security"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
	"github.com/davidleathers/threatguard/internal/metrics"
)

// LearnedPrefix marks patterns synced from the learned injection phrase set
const LearnedPrefix = "learned:"

// Classification is the result of scoring one payload
type Classification struct {
	ThreatTypes []security.ThreatType `json:"threat_types"`
	Severity    security.Severity     `json:"severity"`
	Techniques  []string              `json:"techniques"`
}

// HasThreats reports whether any pattern matched
func (c Classification) HasThreats() bool {
	return len(c.ThreatTypes) > 0
}

// Classifier scores payloads against the pattern table and metrics against anomaly thresholds.
// It is safe for concurrent use; the table can be replaced or extended at runtime.
type Classifier struct {
	mu         sync.RWMutex
	patterns   []*Pattern
	thresholds map[string]Threshold
	logger     *zap.Logger
	metrics    *metrics.Registry
}

// New creates a classifier loaded with the built-in patterns and thresholds
func New(logger *zap.Logger, m *metrics.Registry) *Classifier {
	if m == nil {
		m = metrics.NewNopRegistry()
	}
	c := &Classifier{
		thresholds: DefaultThresholds(),
		logger:     logger,
		metrics:    m,
	}
	c.Load(nil)
	return c
}

// Load rebuilds the static table from the defaults overlaid with defs; entries with
// a default's name replace it. Invalid entries are skipped with a warning and learned
// patterns are kept. Returns the number of skipped entries.
func (c *Classifier) Load(defs []PatternDef) int {
	merged := DefaultPatterns()
	index := make(map[string]int, len(merged))
	for i, d := range merged {
		index[d.Name] = i
	}
	for _, d := range defs {
		if i, ok := index[d.Name]; ok {
			merged[i] = d
			continue
		}
		index[d.Name] = len(merged)
		merged = append(merged, d)
	}

	compiled := make([]*Pattern, 0, len(merged))
	skipped := 0
	for _, d := range merged {
		p, err := Compile(d)
		if err != nil {
			skipped++
			c.logger.Warn("skipping invalid pattern", zap.String("pattern", d.Name), zap.Error(err))
			continue
		}
		compiled = append(compiled, p)
	}

	c.mu.Lock()
	for _, p := range c.patterns {
		if p.Learned {
			compiled = append(compiled, p)
		}
	}
	c.patterns = compiled
	count := len(compiled)
	c.mu.Unlock()

	c.metrics.PatternCount.Set(float64(count))
	c.logger.Info("pattern table loaded", zap.Int("patterns", count), zap.Int("skipped", skipped))
	return skipped
}

// LoadFile loads a YAML pattern table on top of the defaults
func (c *Classifier) LoadFile(path string) error {
	defs, err := LoadPatternFile(path)
	if err != nil {
		return err
	}
	c.Load(defs)
	return nil
}

// AddPattern compiles def and adds it, replacing any pattern with the same name
func (c *Classifier) AddPattern(def PatternDef) error {
	p, err := Compile(def)
	if err != nil {
		return errors.NewValidationError("INVALID_PATTERN", err.Error()).WithCause(err)
	}
	c.add(p)
	return nil
}

func (c *Classifier) add(p *Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// copy on write; Classify iterates a snapshot without holding the lock
	next := make([]*Pattern, 0, len(c.patterns)+1)
	replaced := false
	for _, existing := range c.patterns {
		if existing.Name == p.Name {
			next = append(next, p)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, p)
	}
	c.patterns = next
	c.metrics.PatternCount.Set(float64(len(next)))
}

// Patterns returns a snapshot of the current table
func (c *Classifier) Patterns() []PatternDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defs := make([]PatternDef, len(c.patterns))
	for i, p := range c.patterns {
		defs[i] = p.PatternDef
	}
	return defs
}

// Classify serializes payload to text and matches it against both libraries.
// Empty or unserializable payloads produce an empty classification.
func (c *Classifier) Classify(payload interface{}) Classification {
	start := time.Now()
	defer func() {
		c.metrics.ClassificationDuration.Observe(time.Since(start).Seconds())
	}()

	result := Classification{Severity: security.SeverityNone}

	text, err := serialize(payload)
	if err != nil {
		c.logger.Warn("payload not serializable, skipping classification",
			zap.String("type", fmt.Sprintf("%T", payload)),
			zap.Error(errors.NewClassificationError("payload serialization failed", err)))
		return result
	}
	if strings.TrimSpace(text) == "" {
		return result
	}

	c.mu.RLock()
	patterns := c.patterns
	c.mu.RUnlock()

	seen := make(map[security.ThreatType]bool)
	for _, p := range patterns {
		if !p.re.MatchString(text) {
			continue
		}
		result.Techniques = append(result.Techniques, p.Name)
		result.Severity = security.MaxSeverity(result.Severity, p.Severity)
		if !seen[p.ThreatType] {
			seen[p.ThreatType] = true
			result.ThreatTypes = append(result.ThreatTypes, p.ThreatType)
		}
	}

	sort.Slice(result.ThreatTypes, func(i, j int) bool { return result.ThreatTypes[i] < result.ThreatTypes[j] })
	sort.Strings(result.Techniques)
	return result
}

// SyncLearned adds the learned injection phrases as literal, case-insensitive
// prompt_injection patterns. Phrases naming an existing pattern are skipped.
// Returns the number of patterns added.
func (c *Classifier) SyncLearned(ctx context.Context, s store.SignalStore) (int, error) {
	phrases, err := s.SetMembers(ctx, store.InjectionPatternsKey)
	if err != nil {
		return 0, fmt.Errorf("loading learned patterns: %w", err)
	}

	c.mu.RLock()
	known := make(map[string]bool, len(c.patterns))
	for _, p := range c.patterns {
		known[p.Name] = true
	}
	c.mu.RUnlock()

	added := 0
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" || known[phrase] || known[LearnedPrefix+phrase] {
			continue
		}
		p, err := Compile(PatternDef{
			Name:       LearnedPrefix + phrase,
			Library:    LibraryAI,
			Expression: regexp.QuoteMeta(phrase),
			ThreatType: security.ThreatPromptInjection,
			Severity:   security.SeverityHigh,
		})
		if err != nil {
			c.logger.Warn("skipping learned pattern", zap.String("phrase", phrase), zap.Error(err))
			continue
		}
		p.Learned = true
		c.add(p)
		known[p.Name] = true
		added++
	}

	if added > 0 {
		c.logger.Info("learned injection patterns synced", zap.Int("added", added))
	}
	return added, nil
}

func serialize(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case map[string]interface{}, []interface{}:
		var b strings.Builder
		if err := flatten(&b, v); err != nil {
			return "", err
		}
		return b.String(), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// flatten writes every leaf value on its own line, map keys in sorted order
func flatten(b *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		b.WriteString(t)
		b.WriteByte('\n')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := flatten(b, t[k]); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range t {
			if err := flatten(b, item); err != nil {
				return err
			}
		}
	default:
		s, err := serialize(t)
		if err != nil {
			return err
		}
		b.WriteString(strings.TrimSpace(s))
		b.WriteByte('\n')
	}
	return nil
}
