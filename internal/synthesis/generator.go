// Package synthesis turns an anomaly measurement and a forecast into a ClinicalReport
// through a narrative backend, falling back to the placeholder report on any failure.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
	apperrors "github.com/fieldmed/triage/internal/shared/errors"
	"github.com/fieldmed/triage/internal/shared/types"
)

// Request is the structured input handed to a narrative backend.
type Request struct {
	RunID    types.RunID
	Anomaly  clinical.AnomalyMeasurement
	Forecast clinical.ForecastResult
}

// Reply is the raw backend output. Attempts is set even when Generate fails.
type Reply struct {
	Content  []byte
	Attempts int
}

// Generator produces report JSON (or text containing it) for a request.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Reply, error)
}

// NewGenerator builds the backend selected by cfg.Provider.
func NewGenerator(cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewClient(cfg, logger)
	case "template":
		return TemplateGenerator{}, nil
	default:
		return nil, apperrors.Contract(fmt.Sprintf("unknown LLM provider %q", cfg.Provider), nil)
	}
}
