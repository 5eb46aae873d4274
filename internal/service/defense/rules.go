package defense

import (
	"fmt"
	"time"

	"github.com/davidleathers/threatguard/internal/domain/errors"
	"github.com/davidleathers/threatguard/internal/domain/security"
)

// Default mitigation durations
const (
	// RateLimitBlockTTL applies to subjects that keep exceeding the request limit
	RateLimitBlockTTL = 30 * time.Minute

	// PromptInjectionBlockTTL applies to subjects sending prompt injection
	PromptInjectionBlockTTL = 2 * time.Hour

	// AuthFailureBlockTTL applies to brute-forced logins
	AuthFailureBlockTTL = time.Hour

	// DDoSBlockTTL applies to request floods
	DDoSBlockTTL = time.Hour

	// MonitoringTTL is how long a subject stays under increased monitoring
	MonitoringTTL = time.Hour

	// ChallengeTTL is how long a subject has to pass a challenge
	ChallengeTTL = 30 * time.Minute
)

// Default rule names
const (
	RuleAIPromptInjection   = "ai_prompt_injection"
	RuleDDoSProtection      = "ddos_protection"
	RuleAuthFailureBlock    = "auth_failure_block"
	RuleRateLimitViolation  = "rate_limit_violation"
	RuleAIRepeatOffender    = "ai_repeat_offender"
	RuleAnomalyMonitoring   = "anomaly_monitoring"
	RuleSuspiciousChallenge = "suspicious_challenge"
)

// DefaultRules returns the built-in rule set
func DefaultRules() []security.DefenseRule {
	return []security.DefenseRule{
		{
			Name:     RuleAIPromptInjection,
			Type:     security.RuleTypeAISecurity,
			Priority: 1,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactThreatTypes, Operator: security.OpContains, Value: string(security.ThreatPromptInjection)},
			},
			Actions: []security.Action{
				{Type: security.ActionBlockTemporarily, TTL: PromptInjectionBlockTTL},
			},
		},
		{
			Name:     RuleDDoSProtection,
			Type:     security.RuleTypeDDoS,
			Priority: 1,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactRequestCount, Operator: security.OpGreaterEqual, Value: 300},
			},
			Actions: []security.Action{
				{Type: security.ActionBlockTemporarily, TTL: DDoSBlockTTL},
				{Type: security.ActionEnableChallenge, TTL: ChallengeTTL},
			},
		},
		{
			Name:     RuleAuthFailureBlock,
			Type:     security.RuleTypeAuth,
			Priority: 2,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactFailedLogins, Operator: security.OpGreaterEqual, Value: 5},
			},
			Actions: []security.Action{
				{Type: security.ActionBlockTemporarily, TTL: AuthFailureBlockTTL},
			},
		},
		{
			Name:     RuleRateLimitViolation,
			Type:     security.RuleTypeRateLimit,
			Priority: 2,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactRateViolations, Operator: security.OpGreaterEqual, Value: 5},
			},
			Actions: []security.Action{
				{Type: security.ActionBlockTemporarily, TTL: RateLimitBlockTTL},
			},
		},
		{
			Name:     RuleAIRepeatOffender,
			Type:     security.RuleTypeAISecurity,
			Priority: 2,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactAIViolations, Operator: security.OpGreaterEqual, Value: 3},
			},
			Actions: []security.Action{
				{Type: security.ActionBlockPermanently},
			},
		},
		{
			Name:     RuleAnomalyMonitoring,
			Type:     security.RuleTypeAnomaly,
			Priority: 3,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactEventType, Operator: security.OpEqual, Value: string(security.EventTypeAnomaly)},
			},
			Actions: []security.Action{
				{Type: security.ActionIncreaseMonitoring, TTL: MonitoringTTL},
			},
		},
		{
			Name:     RuleSuspiciousChallenge,
			Type:     security.RuleTypeAnomaly,
			Priority: 3,
			Enabled:  true,
			Conditions: []security.Condition{
				{Field: security.FactSuspiciousHits, Operator: security.OpGreaterEqual, Value: 5},
			},
			Actions: []security.Action{
				{Type: security.ActionEnableChallenge, TTL: ChallengeTTL},
			},
		},
	}
}

var validOperators = map[security.ComparisonOperator]bool{
	security.OpEqual:        true,
	security.OpNotEqual:     true,
	security.OpGreaterThan:  true,
	security.OpGreaterEqual: true,
	security.OpLessThan:     true,
	security.OpLessEqual:    true,
	security.OpContains:     true,
	security.OpIn:           true,
}

var knownFacts = map[string]bool{
	security.FactEventType:      true,
	security.FactSeverity:       true,
	security.FactThreatTypes:    true,
	security.FactAlertType:      true,
	security.FactFailedLogins:   true,
	security.FactRequestCount:   true,
	security.FactRateViolations: true,
	security.FactAIViolations:   true,
	security.FactSuspiciousHits: true,
	security.FactThreatLevel:    true,
}

// validateConditions rejects conditions that could never be evaluated
func validateConditions(conditions []security.Condition) error {
	if len(conditions) == 0 {
		return errors.NewValidationError("INVALID_CONDITIONS", "at least one condition is required")
	}
	for _, c := range conditions {
		if !knownFacts[c.Field] {
			return errors.NewValidationError("INVALID_CONDITIONS", fmt.Sprintf("unknown field %q", c.Field))
		}
		if !validOperators[c.Operator] {
			return errors.NewValidationError("INVALID_CONDITIONS", fmt.Sprintf("unsupported operator %q for %s", c.Operator, c.Field))
		}
		if c.Value == nil {
			return errors.NewValidationError("INVALID_CONDITIONS", fmt.Sprintf("missing value for %s", c.Field))
		}
	}
	return nil
}
