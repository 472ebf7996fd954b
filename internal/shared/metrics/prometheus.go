package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Pipeline metrics
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	pipelineRunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_in_flight",
			Help: "Number of pipeline runs currently executing",
		},
	)

	pipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	pipelineStageFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_fallbacks_total",
			Help: "Total number of stages that degraded to their fallback output",
		},
		[]string{"stage"},
	)

	riskLevelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_levels_total",
			Help: "Total number of forecasts by derived risk level",
		},
		[]string{"level"},
	)

	// Synthesis backend metrics
	synthesisAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthesis_attempts_total",
			Help: "Total number of calls to the narrative backend by outcome",
		},
		[]string{"outcome"},
	)

	synthesisRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synthesis_request_duration_seconds",
			Help:    "Narrative backend call duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	synthesisReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthesis_reports_total",
			Help: "Total number of reports by result (generated or placeholder)",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses per-run chart paths so run IDs do not become labels.
func normalizePath(path string) string {
	const chartPrefix = "/api/v1/assessments/charts/"
	if len(path) > len(chartPrefix) && path[:len(chartPrefix)] == chartPrefix {
		return chartPrefix + "{key}"
	}
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Pipeline metric helpers ---

// RecordRunStarted marks a pipeline run as in flight
func RecordRunStarted() {
	pipelineRunsInFlight.Inc()
}

// RecordRunFinished records the terminal status of a pipeline run
func RecordRunFinished(status string) {
	pipelineRunsInFlight.Dec()
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// RecordStage records a stage duration and whether it fell back
func RecordStage(stage string, duration time.Duration, degraded bool) {
	pipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if degraded {
		pipelineStageFallbacks.WithLabelValues(stage).Inc()
	}
}

// RecordRiskLevel records a derived risk level
func RecordRiskLevel(level string) {
	riskLevelsTotal.WithLabelValues(level).Inc()
}

// RecordSynthesisAttempt records one call to the narrative backend
func RecordSynthesisAttempt(outcome string, duration time.Duration) {
	synthesisAttemptsTotal.WithLabelValues(outcome).Inc()
	synthesisRequestDuration.Observe(duration.Seconds())
}

// RecordReport records whether a report was generated or replaced by the placeholder
func RecordReport(placeholder bool) {
	result := "generated"
	if placeholder {
		result = "placeholder"
	}
	synthesisReportsTotal.WithLabelValues(result).Inc()
}
