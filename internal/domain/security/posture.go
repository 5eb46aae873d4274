package security

import (
	"math"
	"strconv"
)

// Base request limits per minute before threat scaling
const (
	BaseRateLimitDefault     = 100
	BaseRateLimitAIEndpoints = 50
	BaseRateLimitSecurity    = 20
)

// RateLimits are the per-minute request limits in force
type RateLimits struct {
	Default     int     `json:"default"`
	AIEndpoints int     `json:"ai_endpoints"`
	Security    int     `json:"security"`
	Multiplier  float64 `json:"multiplier"`
}

// SecurityRules are read by the auth middleware
type SecurityRules struct {
	MaxFailedAttempts      int  `json:"max_failed_attempts"`
	SessionDurationMinutes int  `json:"session_duration_minutes"`
	RequireMFA             bool `json:"require_mfa"`
	EnhancedValidation     bool `json:"enhanced_validation"`
}

// MonitoringConfig controls logging and metric collection
type MonitoringConfig struct {
	LogVerbosity           string `json:"log_verbosity"`
	MetricsIntervalSeconds int    `json:"metrics_interval"`
	DetailedTracking       bool   `json:"detailed_tracking"`
}

// Posture is the system-wide defense configuration derived from a threat level
type Posture struct {
	ThreatLevel ThreatLevel      `json:"threat_level"`
	RateLimits  RateLimits       `json:"rate_limits"`
	Rules       SecurityRules    `json:"rules"`
	Monitoring  MonitoringConfig `json:"monitoring"`
}

// RateLimitMultiplier returns max(0.2, 1 - level*0.2)
func RateLimitMultiplier(level ThreatLevel) float64 {
	m := 1 - float64(level.Clamp())*0.2
	// 1 - 4*0.2 is not exactly 0.2 in binary floating point
	m = math.Round(m*100) / 100
	return math.Max(0.2, m)
}

// ScaleRateLimits applies the level multiplier to the base limits
func ScaleRateLimits(level ThreatLevel) RateLimits {
	m := RateLimitMultiplier(level)
	return RateLimits{
		Default:     int(math.Round(float64(BaseRateLimitDefault) * m)),
		AIEndpoints: int(math.Round(float64(BaseRateLimitAIEndpoints) * m)),
		Security:    int(math.Round(float64(BaseRateLimitSecurity) * m)),
		Multiplier:  m,
	}
}

// ScaleSecurityRules tightens authentication rules as the level rises
func ScaleSecurityRules(level ThreatLevel) SecurityRules {
	l := int(level.Clamp())
	return SecurityRules{
		MaxFailedAttempts:      max(3, 10-l*2),
		SessionDurationMinutes: max(5, 30-l*5),
		RequireMFA:             l >= 3,
		EnhancedValidation:     l >= 2,
	}
}

// ScaleMonitoring raises verbosity and sampling as the level rises
func ScaleMonitoring(level ThreatLevel) MonitoringConfig {
	l := int(level.Clamp())
	verbosity := "info"
	if l >= 3 {
		verbosity = "debug"
	}
	return MonitoringConfig{
		LogVerbosity:           verbosity,
		MetricsIntervalSeconds: max(5, 30-l*5),
		DetailedTracking:       l >= 2,
	}
}

// ScalePosture computes the complete posture for a level
func ScalePosture(level ThreatLevel) Posture {
	level = level.Clamp()
	return Posture{
		ThreatLevel: level,
		RateLimits:  ScaleRateLimits(level),
		Rules:       ScaleSecurityRules(level),
		Monitoring:  ScaleMonitoring(level),
	}
}

// Fields flattens the rate limits for hash storage
func (r RateLimits) Fields() map[string]string {
	return map[string]string{
		"default":      strconv.Itoa(r.Default),
		"ai_endpoints": strconv.Itoa(r.AIEndpoints),
		"security":     strconv.Itoa(r.Security),
		"multiplier":   strconv.FormatFloat(r.Multiplier, 'f', -1, 64),
	}
}

// RateLimitsFromFields parses a stored hash; ok is false when a field is missing or malformed
func RateLimitsFromFields(f map[string]string) (RateLimits, bool) {
	var r RateLimits
	var err error
	if r.Default, err = strconv.Atoi(f["default"]); err != nil {
		return r, false
	}
	if r.AIEndpoints, err = strconv.Atoi(f["ai_endpoints"]); err != nil {
		return r, false
	}
	if r.Security, err = strconv.Atoi(f["security"]); err != nil {
		return r, false
	}
	if r.Multiplier, err = strconv.ParseFloat(f["multiplier"], 64); err != nil {
		return r, false
	}
	return r, true
}

// Fields flattens the security rules for hash storage
func (s SecurityRules) Fields() map[string]string {
	return map[string]string{
		"max_failed_attempts":      strconv.Itoa(s.MaxFailedAttempts),
		"session_duration_minutes": strconv.Itoa(s.SessionDurationMinutes),
		"require_mfa":              strconv.FormatBool(s.RequireMFA),
		"enhanced_validation":      strconv.FormatBool(s.EnhancedValidation),
	}
}

// SecurityRulesFromFields parses a stored hash
func SecurityRulesFromFields(f map[string]string) (SecurityRules, bool) {
	var s SecurityRules
	var err error
	if s.MaxFailedAttempts, err = strconv.Atoi(f["max_failed_attempts"]); err != nil {
		return s, false
	}
	if s.SessionDurationMinutes, err = strconv.Atoi(f["session_duration_minutes"]); err != nil {
		return s, false
	}
	if s.RequireMFA, err = strconv.ParseBool(f["require_mfa"]); err != nil {
		return s, false
	}
	if s.EnhancedValidation, err = strconv.ParseBool(f["enhanced_validation"]); err != nil {
		return s, false
	}
	return s, true
}

// Fields flattens the monitoring config for hash storage
func (m MonitoringConfig) Fields() map[string]string {
	return map[string]string{
		"log_verbosity":     m.LogVerbosity,
		"metrics_interval":  strconv.Itoa(m.MetricsIntervalSeconds),
		"detailed_tracking": strconv.FormatBool(m.DetailedTracking),
	}
}

// MonitoringConfigFromFields parses a stored hash
func MonitoringConfigFromFields(f map[string]string) (MonitoringConfig, bool) {
	m := MonitoringConfig{LogVerbosity: f["log_verbosity"]}
	if m.LogVerbosity == "" {
		return m, false
	}
	var err error
	if m.MetricsIntervalSeconds, err = strconv.Atoi(f["metrics_interval"]); err != nil {
		return m, false
	}
	if m.DetailedTracking, err = strconv.ParseBool(f["detailed_tracking"]); err != nil {
		return m, false
	}
	return m, true
}
