// Package assessment exposes the triage pipeline over HTTP.
package assessment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/forecast"
	"github.com/fieldmed/triage/internal/pipeline"
	"github.com/fieldmed/triage/internal/shared/errors"
)

// Runner executes one assessment. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, scan clinical.ScanArtifact, vitals clinical.VitalsArtifact) *pipeline.Assessment
}

// HealthChecker probes the narrative backend. It is optional.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler provides HTTP handlers for assessments
type Handler struct {
	runner    Runner
	charts    forecast.ChartStore
	health    HealthChecker
	backend   string
	maxUpload int64
	logger    *slog.Logger
}

// Options configures a Handler.
type Options struct {
	// Backend names the narrative backend reported by the health endpoint
	Backend string
	// Health is nil for offline backends
	Health         HealthChecker
	MaxUploadBytes int64
}

// NewHandler creates a new assessment handler
func NewHandler(runner Runner, charts forecast.ChartStore, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		runner:    runner,
		charts:    charts,
		health:    opts.Health,
		backend:   opts.Backend,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger,
	}
}

// Routes registers the assessment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/charts/{key}", h.GetChart)
	r.Get("/schema", h.GetSchema)
	r.Get("/health", h.HealthCheck)

	return r
}

// Create runs one assessment from a multipart upload with a "scan" and a "vitals" part.
// Any well-formed upload yields 200; pipeline degradation is reported in the body.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			writeError(w, errors.TooLarge(maxErr.Limit))
			return
		}
		writeError(w, errors.BadRequest("expected multipart/form-data: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	scan, scanName, err := readPart(r, "scan")
	if err != nil {
		writeError(w, err)
		return
	}
	vitals, vitalsName, err := readPart(r, "vitals")
	if err != nil {
		writeError(w, err)
		return
	}

	result := h.runner.Run(r.Context(),
		clinical.ScanArtifact{Name: scanName, Data: scan},
		clinical.VitalsArtifact{Name: vitalsName, Data: vitals},
	)
	writeJSON(w, http.StatusOK, result)
}

// GetChart streams a stored forecast chart
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rc, err := h.charts.Open(key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("chart stream interrupted", "key", key, "error", err)
	}
}

// GetSchema returns the JSON Schema every report conforms to
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := clinical.ReportSchema()
	if err != nil {
		writeError(w, errors.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(schema)
}

// HealthCheck checks narrative backend health. An unreachable backend still leaves
// the pipeline usable; reports fall back to the placeholder.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"backend": h.backend,
		})
		return
	}

	if err := h.health.Health(r.Context()); err != nil {
		appErr := errors.Unavailable("narrative backend unavailable", err)
		writeJSON(w, appErr.HTTPStatus, map[string]any{
			"status":  "unhealthy",
			"backend": h.backend,
			"code":    appErr.Code,
			"error":   appErr.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"backend": h.backend,
	})
}

func readPart(r *http.Request, name string) ([]byte, string, error) {
	file, header, err := r.FormFile(name)
	if stderrors.Is(err, http.ErrMissingFile) {
		return nil, "", errors.Validation(name+" file is required", map[string]string{"field": name})
	}
	if err != nil {
		return nil, "", errors.BadRequest(fmt.Sprintf("read %s: %v", name, err))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", errors.BadRequest(fmt.Sprintf("read %s: %v", name, err))
	}
	return data, header.Filename, nil
}

// --- Helpers ---

// writeJSON encodes before writing the header so an unencodable value becomes a 500
// instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		writeError(w, errors.Wrap(err, "encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
