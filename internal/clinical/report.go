package clinical

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	apperrors "github.com/fieldmed/triage/internal/shared/errors"
)

// Unavailable is the sentinel carried by every string field of a placeholder report.
const Unavailable = "UNAVAILABLE"

// ClinicalReport is the terminal structured output of a run.
type ClinicalReport struct {
	RiskLevel           RiskLevel       `json:"risk_level" jsonschema:"overall triage severity"`
	RiskJustification   string          `json:"risk_justification" jsonschema:"why this risk level was assigned"`
	AnomalyDetails      AnomalyDetails  `json:"anomaly_details"`
	VitalsTrend         string          `json:"vitals_trend" jsonschema:"short description of the projected vitals"`
	Forecast            ForecastDetails `json:"forecast"`
	FieldRecommendation string          `json:"field_recommendation" jsonschema:"immediate action for the field medic"`
	MonitoringNote      string          `json:"monitoring_note" jsonschema:"what to watch over the next hours"`
	Conclusion          string          `json:"conclusion" jsonschema:"one paragraph summary for handover"`
}

type AnomalyDetails struct {
	VolumePercentage float64 `json:"volume_percentage" jsonschema:"percent of the analysed scan flagged as abnormal"`
	Detected         bool    `json:"detected"`
	Description      string  `json:"description" jsonschema:"qualitative reading of the scan finding"`
}

type ForecastDetails struct {
	Trend        string  `json:"trend" jsonschema:"Rising, Falling or Stable"`
	Volatility   float64 `json:"volatility" jsonschema:"standard deviation of the forecast mean"`
	HorizonHours int     `json:"horizon_hours"`
}

// Placeholder returns the report emitted when synthesis is unavailable. It validates
// against the report schema.
func Placeholder() ClinicalReport {
	return ClinicalReport{
		RiskLevel:         RiskUnavailable,
		RiskJustification: Unavailable,
		AnomalyDetails: AnomalyDetails{
			Description: Unavailable,
		},
		VitalsTrend: Unavailable,
		Forecast: ForecastDetails{
			Trend: Unavailable,
		},
		FieldRecommendation: Unavailable,
		MonitoringNote:      Unavailable,
		Conclusion:          Unavailable,
	}
}

// IsPlaceholder reports whether r carries the placeholder sentinel.
func (r ClinicalReport) IsPlaceholder() bool {
	return r.RiskLevel == RiskUnavailable
}

var (
	schemaOnce     sync.Once
	reportSchema   *jsonschema.Schema
	resolvedSchema *jsonschema.Resolved
	schemaErr      error
)

// ReportSchema returns the JSON Schema every report must satisfy. A failure here is a
// build defect and is returned as a contract error.
func ReportSchema() (*jsonschema.Schema, error) {
	loadSchema()
	return reportSchema, schemaErr
}

// MustLoadSchema builds the schema or returns the contract error. Called at startup so that
// a broken schema stops the process before any request is served.
func MustLoadSchema() error {
	loadSchema()
	return schemaErr
}

func loadSchema() {
	schemaOnce.Do(func() {
		s, err := jsonschema.For[ClinicalReport](nil)
		if err != nil {
			schemaErr = apperrors.Contract("generate report schema", err)
			return
		}
		if err := constrain(s); err != nil {
			schemaErr = apperrors.Contract("constrain report schema", err)
			return
		}
		r, err := s.Resolve(nil)
		if err != nil {
			schemaErr = apperrors.Contract("resolve report schema", err)
			return
		}
		reportSchema, resolvedSchema = s, r
	})
}

func constrain(s *jsonschema.Schema) error {
	risk, ok := s.Properties["risk_level"]
	if !ok {
		return fmt.Errorf("risk_level property missing")
	}
	risk.Enum = make([]any, 0, len(Levels)+1)
	for _, l := range Levels {
		risk.Enum = append(risk.Enum, string(l))
	}
	risk.Enum = append(risk.Enum, string(RiskUnavailable))

	anomaly, ok := s.Properties["anomaly_details"]
	if !ok {
		return fmt.Errorf("anomaly_details property missing")
	}
	volume, ok := anomaly.Properties["volume_percentage"]
	if !ok {
		return fmt.Errorf("anomaly_details.volume_percentage property missing")
	}
	volume.Minimum = ptr(0.0)
	volume.Maximum = ptr(100.0)

	forecast, ok := s.Properties["forecast"]
	if !ok {
		return fmt.Errorf("forecast property missing")
	}
	for _, name := range []string{"volatility", "horizon_hours"} {
		p, ok := forecast.Properties[name]
		if !ok {
			return fmt.Errorf("forecast.%s property missing", name)
		}
		p.Minimum = ptr(0.0)
	}

	requireNonEmptyStrings(s)
	return nil
}

// requireNonEmptyStrings sets minLength 1 on every string property, recursively.
func requireNonEmptyStrings(s *jsonschema.Schema) {
	for _, p := range s.Properties {
		if p.Type == "string" {
			p.MinLength = ptr(1)
		}
		if p.Type == "object" {
			requireNonEmptyStrings(p)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

// ParseReport decodes raw JSON and validates it against the report schema.
func ParseReport(raw []byte) (ClinicalReport, error) {
	loadSchema()
	if schemaErr != nil {
		return ClinicalReport{}, schemaErr
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return ClinicalReport{}, fmt.Errorf("decode report: %w", err)
	}
	if err := resolvedSchema.Validate(instance); err != nil {
		return ClinicalReport{}, fmt.Errorf("report does not match schema: %w", err)
	}

	var report ClinicalReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return ClinicalReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

// Validate checks an already constructed report against the schema.
func (r ClinicalReport) Validate() error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = ParseReport(raw)
	return err
}
