package security

import (
	"time"

	"github.com/google/uuid"
)

// AlertType names the threshold or detection that raised an alert
type AlertType string

const (
	AlertFailedLogin        AlertType = "failed_login"
	AlertRateLimitExceeded  AlertType = "rate_limit_exceeded"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertThreatDetected     AlertType = "threat_detected"
	AlertAISecurity         AlertType = "ai_security"
	AlertAnomalyDetected    AlertType = "anomaly_detected"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// MaxAlerts bounds the alert ring buffer; the oldest alert is evicted first
const MaxAlerts = 1000

// Alert is a derived notification that an event warrants attention
type Alert struct {
	ID        string      `json:"id"`
	Type      AlertType   `json:"alert_type"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	EventType EventType   `json:"event_type"`
	Subject   string      `json:"subject"`
	CreatedAt time.Time   `json:"created_at"`
	Status    AlertStatus `json:"status"`
	Resolved  bool        `json:"resolved"`
}

// NewAlert creates an active alert for the triggering event. The id is a
// UUIDv7 so alerts sort by creation time.
func NewAlert(alertType AlertType, severity Severity, message string, ev *Event, now time.Time) *Alert {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Alert{
		ID:        id.String(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		EventType: ev.Type,
		Subject:   ev.Subject,
		CreatedAt: now.UTC(),
		Status:    AlertStatusActive,
	}
}

// MarkResolved transitions the alert to resolved
func (a *Alert) MarkResolved() {
	a.Status = AlertStatusResolved
	a.Resolved = true
}
