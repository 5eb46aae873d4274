package store

import (
	"strings"
	"time"
)

// Key prefixes and fixed keys of the security namespace
const (
	FailedLoginsPrefix   = "failed_logins:"
	RequestsPrefix       = "requests:"
	SuspiciousPrefix     = "suspicious:"
	ViolationsPrefix     = "security:violations:"
	BlockedPrefix        = "security:blocked:"
	WatchPrefix          = "security:watch:"
	ChallengePrefix      = "security:challenge:"
	EventsPrefix         = "security:events:"
	MetricsPrefix        = "security:metrics:"
	AIRestrictedPrefix   = "security:ai:restricted:"
	PendingEventsKey     = "security:events:pending"
	AlertsKey            = "security:alerts"
	ResolvedAlertsKey    = "security:alerts:resolved"
	ThreatLevelKey       = "security:threat_level"
	RateLimitsKey        = "security:rate_limits"
	SecurityRulesKey     = "security:rules"
	MonitoringKey        = "security:monitoring"
	DefenseRulesKey      = "security:defense_rules"
	ThreatPatternsKey    = "security:threat_patterns"
	InjectionPatternsKey = "security:ai:injection_patterns"
	AIRestrictedSetKey   = "security:ai:restricted"
)

// Violation kinds
const (
	ViolationRateLimit = "rate_limit"
	ViolationAuth      = "auth"
	ViolationAI        = "ai"
)

// BucketLayout is the hour-granular layout of event and metric bucket keys
const BucketLayout = "2006010215"

func FailedLoginsKey(ip, identity string) string {
	return FailedLoginsPrefix + ip + ":" + identity
}

func RequestsKey(ip string) string {
	return RequestsPrefix + ip
}

func SuspiciousKey(subject string) string {
	return SuspiciousPrefix + subject
}

func ViolationsKey(subject, kind string) string {
	return ViolationsPrefix + subject + ":" + kind
}

func BlockedKey(subject string) string {
	return BlockedPrefix + subject
}

func WatchKey(subject string) string {
	return WatchPrefix + subject
}

func ChallengeKey(subject string) string {
	return ChallengePrefix + subject
}

func AIRestrictedKey(subject string) string {
	return AIRestrictedPrefix + subject
}

// EventBucketKey returns the hourly event ledger key for t
func EventBucketKey(t time.Time) string {
	return EventsPrefix + t.UTC().Format(BucketLayout)
}

// MetricBucketKey returns the hourly sample key for a metric
func MetricBucketKey(name string, t time.Time) string {
	return MetricsPrefix + name + ":" + t.UTC().Format(BucketLayout)
}

// BucketTime parses the trailing hour of an event or metric bucket key
func BucketTime(key string) (time.Time, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(BucketLayout, key[i+1:])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SubjectFromKey strips prefix from key
func SubjectFromKey(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}
