package rest

import (
	"github.com/davidleathers/threatguard/internal/domain/security"
)

// SubmitEventRequest is the body of POST /v1/security/events
type SubmitEventRequest struct {
	Type    security.EventType     `json:"type"`
	Subject string                 `json:"subject"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// UpdateRuleRequest is the body of PUT /v1/security/rules/{name}
type UpdateRuleRequest struct {
	Conditions []security.Condition `json:"conditions"`
}

// ClassifyRequest is the body of POST /v1/security/classify
type ClassifyRequest struct {
	Payload interface{} `json:"payload"`
}
