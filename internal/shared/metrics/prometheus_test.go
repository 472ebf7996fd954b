package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/assessments":                              "/api/v1/assessments",
		"/api/v1/assessments/charts/3f0c2a4e-8d8b-4a8e.png": "/api/v1/assessments/charts/{key}",
		"/health": "/health",
		"/" + strings.Repeat("x", 120): "/api/...",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMiddlewareCountsStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/brew", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))
	if after-before != 1 {
		t.Errorf("Expected counter to increase by 1, got %.0f", after-before)
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status to pass through, got %d", rr.Code)
	}
}

func TestPipelineHelpers(t *testing.T) {
	beforeFallback := testutil.ToFloat64(pipelineStageFallbacks.WithLabelValues("ESTIMATE"))
	RecordStage("ESTIMATE", 10*time.Millisecond, true)
	RecordStage("ESTIMATE", 10*time.Millisecond, false)
	if got := testutil.ToFloat64(pipelineStageFallbacks.WithLabelValues("ESTIMATE")) - beforeFallback; got != 1 {
		t.Errorf("Expected one fallback, got %.0f", got)
	}

	beforeRuns := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues("degraded"))
	RecordRunStarted()
	RecordRunFinished("degraded")
	if got := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues("degraded")) - beforeRuns; got != 1 {
		t.Errorf("Expected one degraded run, got %.0f", got)
	}

	beforePlaceholder := testutil.ToFloat64(synthesisReportsTotal.WithLabelValues("placeholder"))
	RecordReport(true)
	if got := testutil.ToFloat64(synthesisReportsTotal.WithLabelValues("placeholder")) - beforePlaceholder; got != 1 {
		t.Errorf("Expected one placeholder report, got %.0f", got)
	}
}
