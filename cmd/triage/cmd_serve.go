package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/fieldmed/triage/internal/assessment"
	"github.com/fieldmed/triage/internal/shared/metrics"
	secmiddleware "github.com/fieldmed/triage/internal/shared/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assessment HTTP API",
	Long: `Serves POST /api/v1/assessments (multipart "scan" and "vitals" parts) together
with chart retrieval, the report schema, health, readiness and Prometheus metrics.
Configuration comes from the environment; see internal/shared/config.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	cfg := app.Config
	logger := app.Logger

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(app),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("triage server starting",
		"version", version,
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"backend", app.Backend,
		"estimator", cfg.Estimator.Kind,
		"forecaster", cfg.Forecast.Kind,
		"chart_dir", app.Charts.Dir(),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("server stopped")
	return nil
}

func newRouter(app *App) chi.Router {
	cfg := app.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(app.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	cors := secmiddleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.Server.CORSAllowedOrigins
	r.Use(secmiddleware.CORS(cors))

	// Health checks
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", infoHandler)

	limiter := secmiddleware.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	handler := assessment.NewHandler(app.Orchestrator, app.Charts, assessment.Options{
		Backend:        app.Backend,
		Health:         app.Health,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, app.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(secmiddleware.UploadLimit(cfg.Server.MaxUploadBytes))
		r.Mount("/assessments", handler.Routes())
	})

	return r
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "TBI Field Triage",
		"version": version,
		"docs":    "/api/v1/assessments",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// readyHandler reports readiness. The narrative backend is not probed here: without
// it runs still complete with the placeholder report, and its health is served by
// /api/v1/assessments/health.
func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
			"charts": "ready",
		}

		if err := probeDir(app.Charts.Dir()); err != nil {
			checks["charts"] = "not ready: " + err.Error()
		}

		checks["narrative"] = "not configured"
		if app.Health != nil {
			checks["narrative"] = "remote, see /api/v1/assessments/health"
		}

		allReady := checks["charts"] == "ready"

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
