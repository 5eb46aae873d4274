package security

import "time"

// MitigationType is the kind of defensive action applied to a subject
type MitigationType string

const (
	MitigationTemporaryBlock      MitigationType = "temporary_block"
	MitigationPermanentBlock      MitigationType = "permanent_block"
	MitigationIncreasedMonitoring MitigationType = "increased_monitoring"
	MitigationChallenge           MitigationType = "challenge"
)

var mitigationStrength = map[MitigationType]int{
	MitigationIncreasedMonitoring: 1,
	MitigationChallenge:           2,
	MitigationTemporaryBlock:      3,
	MitigationPermanentBlock:      4,
}

// Strength orders mitigations; a stronger mitigation supersedes a weaker one
func (t MitigationType) Strength() int {
	return mitigationStrength[t]
}

// IsBlock reports whether the mitigation denies traffic
func (t MitigationType) IsBlock() bool {
	return t == MitigationTemporaryBlock || t == MitigationPermanentBlock
}

// IsValid reports whether t is a known mitigation type
func (t MitigationType) IsValid() bool {
	_, ok := mitigationStrength[t]
	return ok
}

// Mitigation is an active defensive action against a subject.
// A nil ExpiresAt means the mitigation is permanent.
type Mitigation struct {
	Subject   string         `json:"subject"`
	Type      MitigationType `json:"mitigation_type"`
	Rule      string         `json:"rule,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	AppliedAt time.Time      `json:"applied_at"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// NewMitigation builds a mitigation applied at now; ttl <= 0 yields a
// permanent mitigation.
func NewMitigation(subject string, t MitigationType, ttl time.Duration, rule, reason string, now time.Time) *Mitigation {
	m := &Mitigation{
		Subject:   subject,
		Type:      t,
		Rule:      rule,
		Reason:    reason,
		AppliedAt: now.UTC(),
	}
	if ttl > 0 && t != MitigationPermanentBlock {
		exp := now.Add(ttl).UTC()
		m.ExpiresAt = &exp
	}
	return m
}

// IsPermanent reports whether the mitigation never expires
func (m *Mitigation) IsPermanent() bool {
	return m.ExpiresAt == nil
}

// IsActive reports whether the mitigation is in force at now
func (m *Mitigation) IsActive(now time.Time) bool {
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Remaining returns the time left before expiry; zero for permanent mitigations
func (m *Mitigation) Remaining(now time.Time) time.Duration {
	if m.ExpiresAt == nil {
		return 0
	}
	return m.ExpiresAt.Sub(now)
}

// Merge combines an incoming mitigation with the one already recorded for the
// same subject and kind. The result never downgrades: the stronger type wins and
// the later expiry is kept, so re-applying refreshes the TTL without stacking.
func Merge(existing, incoming *Mitigation, now time.Time) *Mitigation {
	if existing == nil || !existing.IsActive(now) || existing.Subject != incoming.Subject {
		return incoming
	}
	if existing.Type.Strength() > incoming.Type.Strength() {
		return existing
	}
	merged := *incoming
	if existing.Type.Strength() == incoming.Type.Strength() {
		switch {
		case existing.ExpiresAt == nil || incoming.ExpiresAt == nil:
			merged.ExpiresAt = nil
		case existing.ExpiresAt.After(*incoming.ExpiresAt):
			exp := *existing.ExpiresAt
			merged.ExpiresAt = &exp
		}
	}
	return &merged
}
