package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fieldmed/triage/internal/anomaly"
	"github.com/fieldmed/triage/internal/assessment"
	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/forecast"
	"github.com/fieldmed/triage/internal/pipeline"
	"github.com/fieldmed/triage/internal/shared/config"
	"github.com/fieldmed/triage/internal/shared/logging"
	"github.com/fieldmed/triage/internal/synthesis"
)

// App holds all application dependencies
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Charts       *forecast.FileStore
	Orchestrator *pipeline.Orchestrator
	Backend      string

	// Health is nil for offline narrative backends
	Health assessment.HealthChecker
}

// loadApp reads configuration from the environment and wires the pipeline.
func loadApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfg, logging.New(os.Stderr, cfg.Log))
}

// newApp wires the pipeline. Any error is a contract error and must stop the process.
func newApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := clinical.MustLoadSchema(); err != nil {
		return nil, err
	}

	estimator, err := anomaly.New(cfg.Estimator, logger)
	if err != nil {
		return nil, err
	}

	charts, err := forecast.NewFileStore(cfg.Charts.Dir)
	if err != nil {
		return nil, fmt.Errorf("chart store: %w", err)
	}

	forecaster, err := forecast.New(cfg.Forecast, cfg.Risk, charts, logger)
	if err != nil {
		return nil, err
	}

	generator, err := synthesis.NewGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Charts:  charts,
		Backend: generator.Name(),
		Orchestrator: pipeline.New(estimator, forecaster,
			synthesis.NewSynthesizer(generator, logger), cfg.Forecast.SignalColumn, logger),
	}
	if hc, ok := generator.(assessment.HealthChecker); ok {
		app.Health = hc
	}
	return app, nil
}
