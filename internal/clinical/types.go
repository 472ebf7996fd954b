// Package clinical holds the data model shared by every pipeline stage.
package clinical

import "time"

// ScanArtifact is one uploaded scan. Data is owned by a single run.
type ScanArtifact struct {
	Name string
	Data []byte
}

// VitalsArtifact is one uploaded vitals table before parsing.
type VitalsArtifact struct {
	Name string
	Data []byte
}

// AnomalyMeasurement is the estimator output. It is never nil and never an error:
// failures are reported through Degraded and Warnings.
type AnomalyMeasurement struct {
	VolumePercent float64        `json:"volume_percent"`
	Detected      bool           `json:"detected"`
	Detail        *AnomalyDetail `json:"detail,omitempty"`
	Degraded      bool           `json:"degraded"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// AnomalyDetail describes how a measurement was obtained.
type AnomalyDetail struct {
	Method          string `json:"method"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	AnomalousPixels int    `json:"anomalous_pixels"`
	TotalPixels     int    `json:"total_pixels"`
	Threshold       int    `json:"threshold,omitempty"`
	Description     string `json:"description"`
}

// NeutralAnomaly is the measurement used when a scan cannot be analysed.
func NeutralAnomaly(warning string) AnomalyMeasurement {
	m := AnomalyMeasurement{Degraded: true}
	if warning != "" {
		m.Warnings = []string{warning}
	}
	return m
}

// Reading is one timestamped sample of a vitals channel.
type Reading struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// VitalsSeries is a cleaned single-channel series with strictly increasing timestamps.
type VitalsSeries struct {
	Channel  string    `json:"channel"`
	Unit     string    `json:"unit,omitempty"`
	Readings []Reading `json:"readings"`

	// Dropped counts rows removed during cleaning
	Dropped int `json:"dropped"`
	// SynthesizedTime is set when the source had no timestamp column
	SynthesizedTime bool     `json:"synthesized_time"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Len returns the number of clean readings.
func (s VitalsSeries) Len() int {
	return len(s.Readings)
}

// Values returns the reading values in time order.
func (s VitalsSeries) Values() []float64 {
	out := make([]float64, len(s.Readings))
	for i, r := range s.Readings {
		out[i] = r.Value
	}
	return out
}

// Trend is the direction of the forecast relative to the observed mean.
type Trend string

const (
	TrendRising  Trend = "Rising"
	TrendFalling Trend = "Falling"
	TrendStable  Trend = "Stable"
	TrendUnknown Trend = "Unknown"
)

// Forecast methods
const (
	MethodARIMA        = "arima"
	MethodFlat         = "flat"
	MethodInsufficient = "insufficient-data"
)

// ForecastPoint is one projected step.
type ForecastPoint struct {
	Time  time.Time `json:"time"`
	Mean  float64   `json:"mean"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// ChartRef identifies a rendered chart by its per-run key.
type ChartRef struct {
	Key         string `json:"key"`
	Path        string `json:"-"`
	ContentType string `json:"content_type"`
}

// ForecastResult is the forecaster output.
type ForecastResult struct {
	RiskLevel    RiskLevel       `json:"risk_level"`
	TrendSummary string          `json:"trend_summary"`
	Trend        Trend           `json:"trend"`
	Volatility   float64         `json:"volatility"`
	Method       string          `json:"method"`
	Horizon      int             `json:"horizon"`
	HorizonHours int             `json:"horizon_hours"`
	Points       []ForecastPoint `json:"points,omitempty"`
	// HasInterval is false when Lower/Upper are not meaningful (flat projection)
	HasInterval bool      `json:"has_interval"`
	Chart       *ChartRef `json:"chart,omitempty"`
	Degraded    bool      `json:"degraded"`
	Warnings    []string  `json:"warnings,omitempty"`
}
