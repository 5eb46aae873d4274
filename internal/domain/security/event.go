package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/davidleathers/threatguard/internal/domain/errors"
)

var validate = validator.New()

// Event is an immutable observation of potentially adversarial activity
type Event struct {
	ID          uuid.UUID              `json:"id"`
	Timestamp   time.Time              `json:"timestamp" validate:"required"`
	Type        EventType              `json:"event_type" validate:"required"`
	Subject     string                 `json:"subject" validate:"required,max=256"`
	Identity    string                 `json:"identity,omitempty" validate:"max=256"`
	Severity    Severity               `json:"severity"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ThreatTypes []ThreatType           `json:"threat_types,omitempty"`
	Techniques  []string               `json:"techniques,omitempty"`
}

// NewEvent creates a validated event. The identity for login failures is read
// from details["identity"] or details["user"].
func NewEvent(eventType EventType, subject string, details map[string]interface{}, now time.Time) (*Event, error) {
	e := &Event{
		ID:        uuid.New(),
		Timestamp: now.UTC(),
		Type:      eventType,
		Subject:   strings.TrimSpace(subject),
		Severity:  SeverityLow,
		Details:   details,
	}
	if details != nil {
		for _, k := range []string{"identity", "user", "username"} {
			if v, ok := details[k].(string); ok && v != "" {
				e.Identity = v
				break
			}
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the structural invariants of the event
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errors.NewValidationError("INVALID_EVENT", fmt.Sprintf("invalid event: %v", err)).WithCause(err)
	}
	if !e.Type.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE", fmt.Sprintf("unknown event type %q", e.Type))
	}
	return nil
}

// HasThreat reports whether the event carries the given threat type
func (e *Event) HasThreat(t ThreatType) bool {
	for _, tt := range e.ThreatTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// Technique returns the caller supplied attack technique, if any
func (e *Event) Technique() string {
	if e.Details == nil {
		return ""
	}
	if v, ok := e.Details["technique"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// IsSecurityRelevant reports whether the event needs background handling.
// Plain requests without detected threats are only counted.
func (e *Event) IsSecurityRelevant() bool {
	if e.Type != EventTypeRequest {
		return true
	}
	return len(e.ThreatTypes) > 0 || e.Severity.AtLeast(SeverityMedium)
}
