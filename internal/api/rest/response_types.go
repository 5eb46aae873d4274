package rest

import (
	"github.com/davidleathers/threatguard/internal/domain/security"
)

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SubmitEventResponse carries the alert raised by the event, if any
type SubmitEventResponse struct {
	Alert *security.Alert `json:"alert"`
}

// BlockResponse reports the mitigations in force for a subject
type BlockResponse struct {
	Subject         string `json:"subject"`
	Blocked         bool   `json:"blocked"`
	ModelRestricted bool   `json:"model_restricted"`
}

// LiftBlockResponse confirms a lifted block
type LiftBlockResponse struct {
	Subject string `json:"subject"`
	Lifted  bool   `json:"lifted"`
}

// ResolveAlertResponse confirms a resolved alert
type ResolveAlertResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

// RulesResponse lists the defense rules in evaluation order
type RulesResponse struct {
	Rules []security.DefenseRule `json:"rules"`
}
