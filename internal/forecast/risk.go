package forecast

import (
	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
)

// RiskPolicy classifies risk from anomaly volume and forecast volatility. Each input
// climbs its own ladder and the result is the more severe of the two, so neither input
// can lower the level the other one reached.
type RiskPolicy struct {
	anomaly    config.Ladder
	volatility config.Ladder
}

// NewRiskPolicy returns a contract error when a ladder is negative or not ascending.
func NewRiskPolicy(cfg config.RiskConfig) (RiskPolicy, error) {
	if err := cfg.Anomaly.Validate("risk.anomaly"); err != nil {
		return RiskPolicy{}, err
	}
	if err := cfg.Volatility.Validate("risk.volatility"); err != nil {
		return RiskPolicy{}, err
	}
	return RiskPolicy{anomaly: cfg.Anomaly, volatility: cfg.Volatility}, nil
}

// AnomalyLevel places an anomaly volume percentage on the anomaly ladder.
func (p RiskPolicy) AnomalyLevel(volumePercent float64) clinical.RiskLevel {
	return climb(p.anomaly, volumePercent)
}

// VolatilityLevel places a forecast standard deviation on the volatility ladder.
func (p RiskPolicy) VolatilityLevel(volatility float64) clinical.RiskLevel {
	return climb(p.volatility, volatility)
}

// Classify combines both ladders.
func (p RiskPolicy) Classify(volumePercent, volatility float64) clinical.RiskLevel {
	return clinical.Max(p.AnomalyLevel(volumePercent), p.VolatilityLevel(volatility))
}

func climb(l config.Ladder, v float64) clinical.RiskLevel {
	switch {
	case v >= l.Critical:
		return clinical.RiskCritical
	case v >= l.High:
		return clinical.RiskHigh
	case v >= l.Moderate:
		return clinical.RiskModerate
	default:
		return clinical.RiskLow
	}
}
