package clinical

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordered severity of a triage assessment: LOW < MODERATE < HIGH < CRITICAL.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"

	// RiskUnavailable only appears in placeholder reports. It is not a severity.
	RiskUnavailable RiskLevel = "UNAVAILABLE"
)

// Levels lists the severities in ascending order.
var Levels = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskCritical}

// Rank returns the position of the level in the ordering, or -1 when it is not a severity.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskModerate:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether r is one of the four severities.
func (r RiskLevel) Valid() bool {
	return r.Rank() >= 0
}

func (r RiskLevel) String() string {
	return string(r)
}

// Max returns the most severe of the given levels. Non-severity values are ignored;
// with no severities at all the result is LOW.
func Max(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// ParseRiskLevel accepts a severity name in any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}
