package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeThreatLevel(t *testing.T) {
	tests := []struct {
		name     string
		counts   AlertCounts
		expected ThreatLevel
	}{
		{"no alerts", AlertCounts{}, ThreatLevelNormal},
		{"one critical", AlertCounts{Critical: 1}, ThreatLevelNormal},
		{"two critical", AlertCounts{Critical: 2}, ThreatLevelElevated},
		{"five high", AlertCounts{High: 5}, ThreatLevelElevated},
		{"mixed", AlertCounts{Critical: 2, High: 5}, ThreatLevelHigh},
		{"medium volume", AlertCounts{Medium: 50}, ThreatLevelHigh},
		{"low alerts never raise", AlertCounts{Low: 500}, ThreatLevelNormal},
		{"clamped", AlertCounts{Critical: 100}, ThreatLevelSevere},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ComputeThreatLevel(tt.counts))
		})
	}
}

func TestComputeThreatLevel_Monotonic(t *testing.T) {
	for critical := 0; critical < 12; critical++ {
		for high := 0; high < 30; high++ {
			base := ComputeThreatLevel(AlertCounts{Critical: critical, High: high, Medium: 3})
			moreCritical := ComputeThreatLevel(AlertCounts{Critical: critical + 1, High: high, Medium: 3})
			moreHigh := ComputeThreatLevel(AlertCounts{Critical: critical, High: high + 1, Medium: 3})

			assert.GreaterOrEqual(t, int(moreCritical), int(base))
			assert.GreaterOrEqual(t, int(moreHigh), int(base))
			assert.GreaterOrEqual(t, int(base), int(ThreatLevelNormal))
			assert.LessOrEqual(t, int(base), int(ThreatLevelSevere))
		}
	}
}

func TestParseThreatLevel(t *testing.T) {
	assert.Equal(t, ThreatLevelHigh, ParseThreatLevel("3"))
	assert.Equal(t, ThreatLevelSevere, ParseThreatLevel("9"))
	assert.Equal(t, ThreatLevelNormal, ParseThreatLevel("0"))
	assert.Equal(t, ThreatLevelNormal, ParseThreatLevel("garbage"))
}

func TestAlertCounts_Add(t *testing.T) {
	var c AlertCounts
	c.Add(SeverityCritical)
	c.Add(SeverityHigh)
	c.Add(SeverityMedium)
	c.Add(SeverityLow)
	c.Add(SeverityNone)

	assert.Equal(t, AlertCounts{Critical: 1, High: 1, Medium: 1, Low: 2}, c)
	assert.Equal(t, 5, c.Total())
}
