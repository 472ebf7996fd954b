package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/metrics"
)

// Synthesis is the outcome of one synthesize call. Report always validates.
type Synthesis struct {
	Report      clinical.ClinicalReport `json:"report"`
	Placeholder bool                    `json:"placeholder"`
	Backend     string                  `json:"backend"`
	Attempts    int                     `json:"attempts"`
	Warnings    []string                `json:"warnings,omitempty"`
}

// Synthesizer wraps a Generator with validation and the placeholder fallback.
type Synthesizer struct {
	generator Generator
	logger    *slog.Logger
}

func NewSynthesizer(generator Generator, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{generator: generator, logger: logger}
}

// Backend names the generator in use.
func (s *Synthesizer) Backend() string {
	return s.generator.Name()
}

// Synthesize never returns an error: backend, transport and validation failures all
// yield the placeholder report with a warning describing the cause.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (out Synthesis) {
	logger := s.logger.With("run_id", req.RunID.String(), "backend", s.generator.Name())
	out.Backend = s.generator.Name()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("narrative backend panicked", "panic", r)
			out = s.placeholder(out, fmt.Sprintf("narrative synthesis failed: %v", r))
		}
		metrics.RecordReport(out.Placeholder)
	}()

	reply, err := s.generator.Generate(ctx, req)
	out.Attempts = reply.Attempts
	if err != nil {
		logger.Warn("narrative synthesis unavailable", "attempts", reply.Attempts, "error", err)
		return s.placeholder(out, fmt.Sprintf("narrative synthesis unavailable: %v", err))
	}

	report, err := parseReport(reply.Content)
	if err != nil {
		logger.Warn("narrative output rejected", "error", err)
		return s.placeholder(out, fmt.Sprintf("narrative output rejected: %v", err))
	}

	out.Warnings = append(out.Warnings, pin(&report, req)...)
	if err := report.Validate(); err != nil {
		logger.Warn("pinned report does not validate", "error", err)
		return s.placeholder(out, fmt.Sprintf("narrative output rejected: %v", err))
	}

	out.Report = report
	return out
}

func (s *Synthesizer) placeholder(out Synthesis, warning string) Synthesis {
	out.Report = clinical.Placeholder()
	out.Placeholder = true
	out.Warnings = append(out.Warnings, warning)
	return out
}

// pin overwrites the measured facts in a generated report with the upstream values.
// The model writes prose; it does not get to change the numbers.
func pin(r *clinical.ClinicalReport, req Request) []string {
	var warnings []string
	a, f := req.Anomaly, req.Forecast

	if f.RiskLevel.Valid() && r.RiskLevel != f.RiskLevel {
		warnings = append(warnings, fmt.Sprintf("narrative proposed risk %s, kept derived %s", r.RiskLevel, f.RiskLevel))
		r.RiskLevel = f.RiskLevel
	}
	if math.Abs(r.AnomalyDetails.VolumePercentage-a.VolumePercent) > 0.005 {
		warnings = append(warnings, fmt.Sprintf("narrative reported %.2f%% anomaly volume, kept measured %.2f%%",
			r.AnomalyDetails.VolumePercentage, a.VolumePercent))
	}
	r.AnomalyDetails.VolumePercentage = a.VolumePercent
	r.AnomalyDetails.Detected = a.Detected
	r.Forecast.Volatility = f.Volatility
	r.Forecast.HorizonHours = f.HorizonHours
	if f.Trend != "" {
		r.Forecast.Trend = string(f.Trend)
	}
	return warnings
}
