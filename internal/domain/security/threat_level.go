package security

import (
	"math"
	"strconv"
)

// ThreatLevel summarizes recent aggregate security pressure, from 1 (normal) to 4 (severe)
type ThreatLevel int

const (
	ThreatLevelNormal   ThreatLevel = 1
	ThreatLevelElevated ThreatLevel = 2
	ThreatLevelHigh     ThreatLevel = 3
	ThreatLevelSevere   ThreatLevel = 4
)

// Clamp bounds the level to [1,4]
func (l ThreatLevel) Clamp() ThreatLevel {
	if l < ThreatLevelNormal {
		return ThreatLevelNormal
	}
	if l > ThreatLevelSevere {
		return ThreatLevelSevere
	}
	return l
}

// ParseThreatLevel parses a stored level, defaulting to normal
func ParseThreatLevel(s string) ThreatLevel {
	n, err := strconv.Atoi(s)
	if err != nil {
		return ThreatLevelNormal
	}
	return ThreatLevel(n).Clamp()
}

// AlertCounts is the severity distribution of alerts in a window
type AlertCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// Add counts one alert of the given severity
func (c *AlertCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	default:
		c.Low++
	}
}

// Total returns the number of alerts counted
func (c AlertCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// ComputeThreatLevel derives the threat level from the alert distribution:
//
//	level = clamp(1 + floor(critical/2 + high/5 + medium/25), 1, 4)
//
// Every term is non-negative and non-decreasing, so more alerts never lower the level.
func ComputeThreatLevel(c AlertCounts) ThreatLevel {
	score := float64(c.Critical)/2 + float64(c.High)/5 + float64(c.Medium)/25
	return ThreatLevel(1 + int(math.Floor(score))).Clamp()
}
