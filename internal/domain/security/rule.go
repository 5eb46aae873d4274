package security

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/threatguard/internal/domain/errors"
)

// RuleType groups defense rules by the concern they address
type RuleType string

const (
	RuleTypeRateLimit  RuleType = "rate_limit"
	RuleTypeAISecurity RuleType = "ai_security"
	RuleTypeAnomaly    RuleType = "anomaly"
	RuleTypeDDoS       RuleType = "ddos"
	RuleTypeAuth       RuleType = "auth"
)

// ComparisonOperator represents comparison operators for rule conditions
type ComparisonOperator string

const (
	OpEqual        ComparisonOperator = "eq"
	OpNotEqual     ComparisonOperator = "ne"
	OpGreaterThan  ComparisonOperator = "gt"
	OpGreaterEqual ComparisonOperator = "gte"
	OpLessThan     ComparisonOperator = "lt"
	OpLessEqual    ComparisonOperator = "lte"
	OpContains     ComparisonOperator = "contains"
	OpIn           ComparisonOperator = "in"
)

// ActionType is the mitigation a matching rule requests
type ActionType string

const (
	ActionBlockTemporarily   ActionType = "block_temporarily"
	ActionBlockPermanently   ActionType = "block_permanently"
	ActionIncreaseMonitoring ActionType = "increase_monitoring"
	ActionEnableChallenge    ActionType = "enable_challenge"
)

// MitigationType maps the action to the mitigation it records
func (a ActionType) MitigationType() MitigationType {
	switch a {
	case ActionBlockTemporarily:
		return MitigationTemporaryBlock
	case ActionBlockPermanently:
		return MitigationPermanentBlock
	case ActionIncreaseMonitoring:
		return MitigationIncreasedMonitoring
	case ActionEnableChallenge:
		return MitigationChallenge
	}
	return ""
}

// Fact names available to rule conditions
const (
	FactEventType      = "event_type"
	FactSeverity       = "severity"
	FactThreatTypes    = "threat_types"
	FactAlertType      = "alert_type"
	FactFailedLogins   = "failed_logins"
	FactRequestCount   = "request_count"
	FactRateViolations = "rate_violations"
	FactAIViolations   = "ai_violations"
	FactSuspiciousHits = "suspicious_count"
	FactThreatLevel    = "threat_level"
)

// Facts is the evaluation context a rule's conditions are checked against
type Facts map[string]interface{}

// Condition compares a single fact with a value
type Condition struct {
	Field    string             `json:"field" yaml:"field"`
	Operator ComparisonOperator `json:"operator" yaml:"operator"`
	Value    interface{}        `json:"value" yaml:"value"`
}

// Action is a mitigation with its duration; TTL is ignored for permanent blocks
type Action struct {
	Type ActionType    `json:"type" yaml:"type"`
	TTL  time.Duration `json:"ttl" yaml:"ttl"`
}

// DefenseRule is a named, prioritized condition to action mapping.
// All conditions must hold for the rule to match.
type DefenseRule struct {
	Name       string      `json:"name"`
	Type       RuleType    `json:"type"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Clone returns a deep copy of the rule's slices
func (r DefenseRule) Clone() DefenseRule {
	c := r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = append([]Action(nil), r.Actions...)
	return c
}

// Matches evaluates the rule against facts. A malformed condition returns a
// rule evaluation error and no match.
func (r DefenseRule) Matches(facts Facts) (bool, error) {
	if len(r.Conditions) == 0 {
		return false, errors.NewRuleEvaluationError(r.Name, "rule has no conditions")
	}
	for _, c := range r.Conditions {
		ok, err := c.evaluate(facts)
		if err != nil {
			return false, errors.NewRuleEvaluationError(r.Name, err.Error()).WithCause(err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) evaluate(facts Facts) (bool, error) {
	actual, ok := facts[c.Field]
	if !ok {
		return false, fmt.Errorf("unknown field %q", c.Field)
	}

	switch c.Operator {
	case OpEqual, OpNotEqual:
		eq := equalValues(actual, c.Value)
		if c.Operator == OpNotEqual {
			return !eq, nil
		}
		return eq, nil
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		a, err := toFloat(actual)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Field, err)
		}
		b, err := toFloat(c.Value)
		if err != nil {
			return false, fmt.Errorf("value for %q: %w", c.Field, err)
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterEqual:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		needle := fmt.Sprint(c.Value)
		switch v := actual.(type) {
		case string:
			return strings.Contains(strings.ToLower(v), strings.ToLower(needle)), nil
		default:
			items, err := toStrings(actual)
			if err != nil {
				return false, fmt.Errorf("field %q: %w", c.Field, err)
			}
			for _, item := range items {
				if item == needle {
					return true, nil
				}
			}
			return false, nil
		}
	case OpIn:
		items, err := toStrings(c.Value)
		if err != nil {
			return false, fmt.Errorf("value for %q: %w", c.Field, err)
		}
		s := fmt.Sprint(actual)
		for _, item := range items {
			if item == s {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Operator)
}

func equalValues(a, b interface{}) bool {
	if fa, err := toFloat(a); err == nil {
		if fb, err := toFloat(b); err == nil {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %v (%T)", v, v)
}

func toStrings(v interface{}) ([]string, error) {
	switch items := v.(type) {
	case []string:
		return items, nil
	case []ThreatType:
		out := make([]string, len(items))
		for i, t := range items {
			out[i] = string(t)
		}
		return out, nil
	case []interface{}:
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	}
	return nil, fmt.Errorf("not a list: %v (%T)", v, v)
}
