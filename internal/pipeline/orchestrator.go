// Package pipeline sequences estimation, forecasting and synthesis for one assessment.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldmed/triage/internal/anomaly"
	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/forecast"
	"github.com/fieldmed/triage/internal/shared/metrics"
	"github.com/fieldmed/triage/internal/shared/types"
	"github.com/fieldmed/triage/internal/synthesis"
	"github.com/fieldmed/triage/internal/vitals"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusDegraded Status = "degraded"
)

// Synthesizer produces the report. *synthesis.Synthesizer implements it.
type Synthesizer interface {
	Backend() string
	Synthesize(ctx context.Context, req synthesis.Request) synthesis.Synthesis
}

// VitalsSummary describes the parsed vitals without repeating every reading.
type VitalsSummary struct {
	Channel         string `json:"channel"`
	Unit            string `json:"unit,omitempty"`
	Readings        int    `json:"readings"`
	Dropped         int    `json:"dropped"`
	SynthesizedTime bool   `json:"synthesized_time"`
}

// Assessment is everything one run produced. Report always validates against the
// report schema, including on the degraded path.
type Assessment struct {
	RunID           types.RunID                 `json:"run_id"`
	Status          Status                      `json:"status"`
	Report          clinical.ClinicalReport     `json:"report"`
	ReportGenerated bool                        `json:"report_generated"`
	Backend         string                      `json:"backend"`
	Attempts        int                         `json:"synthesis_attempts"`
	Anomaly         clinical.AnomalyMeasurement `json:"anomaly"`
	Forecast        clinical.ForecastResult     `json:"forecast"`
	Vitals          VitalsSummary               `json:"vitals"`
	Chart           *clinical.ChartRef          `json:"chart,omitempty"`
	Warnings        []string                    `json:"warnings,omitempty"`
	Stages          []StageRecord               `json:"stages"`
	StartedAt       time.Time                   `json:"started_at"`
	FinishedAt      time.Time                   `json:"finished_at"`
}

// Orchestrator holds only immutable collaborators; every run allocates its own state.
type Orchestrator struct {
	estimator    anomaly.Estimator
	forecaster   forecast.Forecaster
	synthesizer  Synthesizer
	signalColumn string
	logger       *slog.Logger
}

func New(estimator anomaly.Estimator, forecaster forecast.Forecaster, synthesizer Synthesizer, signalColumn string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		estimator:    estimator,
		forecaster:   forecaster,
		synthesizer:  synthesizer,
		signalColumn: signalColumn,
		logger:       logger,
	}
}

// Run executes one assessment under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, scan clinical.ScanArtifact, vitalsFile clinical.VitalsArtifact) *Assessment {
	return o.RunWithID(ctx, types.NewRunID(), scan, vitalsFile)
}

// RunWithID executes one assessment. It always returns a complete Assessment: stage
// failures are absorbed by each stage's fallback and surface only as warnings.
func (o *Orchestrator) RunWithID(ctx context.Context, id types.RunID, scan clinical.ScanArtifact, vitalsFile clinical.VitalsArtifact) (a *Assessment) {
	logger := o.logger.With("run_id", id.String())
	metrics.RecordRunStarted()

	a = &Assessment{
		RunID:     id,
		Report:    clinical.Placeholder(),
		Backend:   o.synthesizer.Backend(),
		StartedAt: time.Now().UTC(),
		Anomaly:   clinical.NeutralAnomaly(""),
	}
	t := &tracker{}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline run panicked", "stage", t.current, "panic", r)
			a.Report = clinical.Placeholder()
			a.ReportGenerated = false
			a.Warnings = append(a.Warnings, fmt.Sprintf("run aborted during %s, report unavailable", t.current))
		}
		a.Stages = t.records
		a.FinishedAt = time.Now().UTC()
		a.Status = StatusComplete
		if !a.ReportGenerated {
			a.Status = StatusDegraded
		}
		for _, rec := range a.Stages {
			if rec.Degraded {
				a.Status = StatusDegraded
			}
		}
		metrics.RecordRunFinished(string(a.Status))
		logger.Info("pipeline run finished",
			"status", a.Status,
			"risk_level", a.Report.RiskLevel,
			"warnings", len(a.Warnings),
			"duration", a.FinishedAt.Sub(a.StartedAt),
		)
	}()

	var series clinical.VitalsSeries
	o.stage(t, logger, a, StageIntake, func() (bool, []string) {
		s, err := vitals.Decode(vitalsFile.Data, o.signalColumn)
		if err != nil {
			return true, []string{fmt.Sprintf("vitals could not be parsed: %v", err)}
		}
		series = s
		a.Vitals = VitalsSummary{
			Channel:         s.Channel,
			Unit:            s.Unit,
			Readings:        s.Len(),
			Dropped:         s.Dropped,
			SynthesizedTime: s.SynthesizedTime,
		}
		return false, s.Warnings
	})

	o.stage(t, logger, a, StageEstimate, func() (bool, []string) {
		a.Anomaly = o.estimator.Estimate(ctx, scan)
		return a.Anomaly.Degraded, a.Anomaly.Warnings
	})

	o.stage(t, logger, a, StageForecast, func() (bool, []string) {
		a.Forecast = o.forecaster.Forecast(ctx, id, series, a.Anomaly)
		a.Chart = a.Forecast.Chart
		metrics.RecordRiskLevel(string(a.Forecast.RiskLevel))
		return a.Forecast.Degraded, a.Forecast.Warnings
	})

	o.stage(t, logger, a, StageSynthesize, func() (bool, []string) {
		out := o.synthesizer.Synthesize(ctx, synthesis.Request{
			RunID:    id,
			Anomaly:  a.Anomaly,
			Forecast: a.Forecast,
		})
		a.Report = out.Report
		a.ReportGenerated = !out.Placeholder
		a.Backend = out.Backend
		a.Attempts = out.Attempts
		return out.Placeholder, out.Warnings
	})

	if err := t.advance(StageDone); err != nil {
		logger.Error("pipeline stage order violated", "error", err)
	}
	return a
}

// stage runs one step and folds its warnings into the assessment.
func (o *Orchestrator) stage(t *tracker, logger *slog.Logger, a *Assessment, stage Stage, fn func() (bool, []string)) {
	logger.Debug("stage started", "stage", stage)
	rec, err := t.run(stage, fn)
	if err != nil {
		logger.Error("pipeline stage order violated", "stage", stage, "error", err)
		return
	}

	metrics.RecordStage(string(stage), time.Duration(rec.DurationMS*float64(time.Millisecond)), rec.Degraded)
	for _, w := range rec.Warnings {
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: %s", stage, w))
	}
	if rec.Degraded {
		logger.Warn("stage degraded", "stage", stage, "warnings", rec.Warnings)
	} else {
		logger.Debug("stage complete", "stage", stage, "duration_ms", rec.DurationMS)
	}
}
