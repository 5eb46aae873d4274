package security

import "strings"

// EventType identifies the kind of signal observed by the request layer
type EventType string

const (
	EventTypeRequest       EventType = "request"
	EventTypeAIPrompt      EventType = "ai_prompt"
	EventTypeLoginFailure  EventType = "login_failure"
	EventTypeRateViolation EventType = "rate_violation"
	EventTypeAnomaly       EventType = "anomaly"
)

// IsValid reports whether the event type is one of the known kinds
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeRequest, EventTypeAIPrompt, EventTypeLoginFailure,
		EventTypeRateViolation, EventTypeAnomaly:
		return true
	}
	return false
}

// Severity is ordered: none < low < medium < high < critical
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity; unknown values rank as none
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// IsValid reports whether s is a known severity
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the most severe of the given values
func MaxSeverity(values ...Severity) Severity {
	max := SeverityNone
	for _, v := range values {
		if v.Rank() > max.Rank() {
			max = v
		}
	}
	return max
}

// ParseSeverity parses a severity name, defaulting to none
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.IsValid() {
		return sev
	}
	return SeverityNone
}

// ThreatType tags the class of attack a pattern detects
type ThreatType string

const (
	// General web threats
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatXSS              ThreatType = "xss"
	ThreatPathTraversal    ThreatType = "path_traversal"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatSensitiveData    ThreatType = "sensitive_data"

	// AI-specific threats
	ThreatPromptInjection   ThreatType = "prompt_injection"
	ThreatModelManipulation ThreatType = "model_manipulation"
	ThreatDataExfiltration  ThreatType = "data_exfiltration"
	ThreatResourceAbuse     ThreatType = "resource_abuse"

	// Behavioral
	ThreatAnomaly    ThreatType = "anomaly"
	ThreatBruteForce ThreatType = "brute_force"
	ThreatRateAbuse  ThreatType = "rate_abuse"
)
