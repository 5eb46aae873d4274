package classifier

import (
	"github.com/davidleathers/threatguard/internal/domain/security"
)

// Threshold is the limit for one metric. Inverse metrics are anomalous below the limit.
type Threshold struct {
	Limit    float64           `yaml:"limit" json:"limit"`
	Inverse  bool              `yaml:"inverse" json:"inverse"`
	Severity security.Severity `yaml:"severity" json:"severity"`
}

// Anomaly describes a metric sample outside its threshold
type Anomaly struct {
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Inverse   bool              `json:"inverse"`
	Severity  security.Severity `json:"severity"`
}

// DefaultThresholds returns the built-in per-metric thresholds
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"error_rate":       {Limit: 0.05, Severity: security.SeverityHigh},
		"response_time_ms": {Limit: 2000, Severity: security.SeverityMedium},
		"cpu_usage":        {Limit: 90, Severity: security.SeverityHigh},
		"memory_usage":     {Limit: 90, Severity: security.SeverityHigh},
		"request_rate":     {Limit: 1000, Severity: security.SeverityMedium},
		"failed_auth_rate": {Limit: 0.2, Severity: security.SeverityHigh},
		"cache_hit_rate":   {Limit: 0.5, Inverse: true, Severity: security.SeverityMedium},
	}
}

// DetectAnomaly compares value with the metric's threshold. Unknown metrics are never anomalous.
func (c *Classifier) DetectAnomaly(metric string, value float64) (Anomaly, bool) {
	c.mu.RLock()
	t, ok := c.thresholds[metric]
	c.mu.RUnlock()
	if !ok {
		return Anomaly{}, false
	}

	anomalous := value > t.Limit
	if t.Inverse {
		anomalous = value < t.Limit
	}
	if !anomalous {
		return Anomaly{}, false
	}

	return Anomaly{
		Metric:    metric,
		Value:     value,
		Threshold: t.Limit,
		Inverse:   t.Inverse,
		Severity:  t.Severity,
	}, true
}

// SetThreshold adds or replaces the threshold for metric
func (c *Classifier) SetThreshold(metric string, t Threshold) {
	c.mu.Lock()
	c.thresholds[metric] = t
	c.mu.Unlock()
}
