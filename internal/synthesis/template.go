package synthesis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldmed/triage/internal/clinical"
)

// TemplateGenerator writes the report from fixed wording. It needs no network and is
// used offline and when no model endpoint is available.
type TemplateGenerator struct{}

func (TemplateGenerator) Name() string {
	return "template"
}

var recommendations = map[clinical.RiskLevel]struct{ action, monitoring string }{
	clinical.RiskCritical: {
		"Immobilize C-spine, maintain airway and request immediate MEDEVAC to a neurosurgical facility.",
		"Continuous GCS, pupil response and heart rate every 5 minutes; watch for Cushing's triad.",
	},
	clinical.RiskHigh: {
		"Request urgent MEDEVAC, keep head elevated 30 degrees and avoid hypotension and hypoxia.",
		"GCS and pupils every 15 minutes, heart rate and SpO2 continuously for the next 4 hours.",
	},
	clinical.RiskModerate: {
		"Remove from duty, keep under observation and prepare for evacuation if symptoms progress.",
		"Neurological checks and heart rate every 30 minutes for the next 4 hours.",
	},
	clinical.RiskLow: {
		"Rest and observe; return to duty only after a symptom-free reassessment.",
		"Reassess symptoms and heart rate hourly for the next 4 hours.",
	},
}

func (TemplateGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	a, f := req.Anomaly, req.Forecast
	rec, ok := recommendations[f.RiskLevel]
	if !ok {
		rec = recommendations[clinical.RiskModerate]
	}

	description := "No anomaly above threshold."
	if a.Detail != nil && a.Detail.Description != "" {
		description = a.Detail.Description
	}
	if a.Degraded {
		description = "Scan could not be analysed."
	}

	report := clinical.ClinicalReport{
		RiskLevel: f.RiskLevel,
		RiskJustification: fmt.Sprintf("%s risk from %.2f%% anomaly volume with %s.",
			f.RiskLevel, a.VolumePercent, lowerFirst(f.TrendSummary)),
		AnomalyDetails: clinical.AnomalyDetails{
			VolumePercentage: a.VolumePercent,
			Detected:         a.Detected,
			Description:      description,
		},
		VitalsTrend: f.TrendSummary,
		Forecast: clinical.ForecastDetails{
			Trend:        string(f.Trend),
			Volatility:   f.Volatility,
			HorizonHours: f.HorizonHours,
		},
		FieldRecommendation: rec.action,
		MonitoringNote:      rec.monitoring,
		Conclusion: fmt.Sprintf("Assessed %s TBI risk over a %d hour horizon. %s",
			f.RiskLevel, f.HorizonHours, rec.action),
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: raw, Attempts: 1}, nil
}

func lowerFirst(s string) string {
	if s == "" {
		return "no forecast"
	}
	if s[0] >= 'A' && s[0] <= 'Z' {
		return string(s[0]+'a'-'A') + s[1:]
	}
	return s
}
