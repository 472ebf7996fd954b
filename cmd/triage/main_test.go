package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/pipeline"
	"github.com/fieldmed/triage/internal/shared/config"
	"github.com/fieldmed/triage/internal/shared/logging"
	"github.com/fieldmed/triage/internal/shared/types"
)

func testApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("LLM_PROVIDER", "template")
	t.Setenv("CHART_DIR", t.TempDir())
	t.Setenv("SERVER_RATE_LIMIT_BURST", "100")
	t.Setenv("ESTIMATOR_ROI_MARGIN", "0")

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := newApp(cfg, logging.Discard())
	require.NoError(t, err)
	return app
}

func writeScan(t *testing.T, path string, brightRows int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 80, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			v := uint8(30)
			if y < brightRows {
				v = 240
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeVitals(t *testing.T, path string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,heart_rate\n")
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,%d\n", start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), 72+i%2)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "template")
	t.Setenv("CHART_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	// Load validates too; newApp must still refuse a config mutated afterwards
	cfg.Estimator.Kind = "neural"
	_, err = newApp(cfg, logging.Discard())
	assert.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convoy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: convoy-7
cases:
  - name: casualty-1
    scan: scans/c1.png
    vitals: /data/c1.csv
`), 0o644))

	m, err := loadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "convoy-7", m.Name)
	assert.Equal(t, defaultBatchConcurrency, m.Concurrency)
	require.Len(t, m.Cases, 1)
	assert.Equal(t, filepath.Join(dir, "scans", "c1.png"), m.Cases[0].Scan)
	assert.Equal(t, "/data/c1.csv", m.Cases[0].Vitals)
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no cases", "name: empty\n", "lists no cases"},
		{"unnamed case", "cases:\n  - scan: a.png\n    vitals: a.csv\n", "has no name"},
		{"duplicate", "cases:\n  - {name: a, scan: a.png, vitals: a.csv}\n  - {name: a, scan: b.png, vitals: b.csv}\n", "listed twice"},
		{"missing vitals", "cases:\n  - {name: a, scan: a.png}\n", "needs both"},
		{"path name", "cases:\n  - {name: ../a, scan: a.png, vitals: a.csv}\n", "must not be a path"},
		{"bad yaml", "cases: [", "parse manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "m.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := loadManifest(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExecuteBatch(t *testing.T) {
	app := testApp(t)
	dir := t.TempDir()

	m := &Manifest{Name: "convoy-7", Concurrency: 3}
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("casualty-%d", i)
		scan := filepath.Join(dir, name+".png")
		vitals := filepath.Join(dir, name+".csv")
		writeScan(t, scan, i*8)
		writeVitals(t, vitals, 30)
		m.Cases = append(m.Cases, ManifestCase{Name: name, Scan: scan, Vitals: vitals})
	}
	// An unreadable case still yields a degraded assessment
	m.Cases = append(m.Cases, ManifestCase{Name: "missing", Scan: filepath.Join(dir, "nope.png"), Vitals: filepath.Join(dir, "nope.csv")})

	outDir := t.TempDir()
	read := func(c ManifestCase) ([]byte, []byte) {
		return readInput(app.Logger, c.Scan), readInput(app.Logger, c.Vitals)
	}
	results, err := executeBatch(context.Background(), app.Orchestrator, m, read, outDir)
	require.NoError(t, err)
	require.Len(t, results, len(m.Cases))

	for i, a := range results[:6] {
		assert.Equal(t, types.NewDeterministicRunID("convoy-7", m.Cases[i].Name), a.RunID)
		assert.InDelta(t, float64(i*10), a.Anomaly.VolumePercent, 1e-9, "case %d", i)
		assert.NoError(t, a.Report.Validate())
	}
	last := results[6]
	assert.Equal(t, pipeline.StatusDegraded, last.Status)
	assert.NoError(t, last.Report.Validate())

	data, err := os.ReadFile(filepath.Join(outDir, "casualty-3.json"))
	require.NoError(t, err)
	var got pipeline.Assessment
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, results[3].RunID, got.RunID)

	var summary bytes.Buffer
	printBatchSummary(&summary, m, results)
	assert.Contains(t, summary.String(), "convoy-7: 7 cases")
	assert.Contains(t, summary.String(), "casualty-5")
}

type ctxRecordingRunner struct {
	mu        sync.Mutex
	cancelled []string
}

func (r *ctxRecordingRunner) RunWithID(ctx context.Context, id types.RunID, scan clinical.ScanArtifact, _ clinical.VitalsArtifact) *pipeline.Assessment {
	if ctx.Err() != nil {
		r.mu.Lock()
		r.cancelled = append(r.cancelled, scan.Name)
		r.mu.Unlock()
	}
	return &pipeline.Assessment{RunID: id, Status: pipeline.StatusComplete, Report: clinical.Placeholder()}
}

func TestExecuteBatchWriteFailureDoesNotCancelSiblings(t *testing.T) {
	outDir := t.TempDir()
	// A directory where the output file should go makes that one write fail
	require.NoError(t, os.Mkdir(filepath.Join(outDir, "bad.json"), 0o755))

	m := &Manifest{Name: "convoy-8", Concurrency: 1}
	for _, name := range []string{"bad", "ok-1", "ok-2", "ok-3"} {
		m.Cases = append(m.Cases, ManifestCase{Name: name, Scan: name + ".png", Vitals: name + ".csv"})
	}

	r := &ctxRecordingRunner{}
	read := func(ManifestCase) ([]byte, []byte) { return nil, nil }
	results, err := executeBatch(context.Background(), r, m, read, outDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "case bad")
	assert.Empty(t, r.cancelled)
	for i, a := range results {
		require.NotNil(t, a, "case %d", i)
	}
	for _, name := range []string{"ok-1", "ok-2", "ok-3"} {
		_, statErr := os.Stat(filepath.Join(outDir, name+".json"))
		assert.NoError(t, statErr, name)
	}
}

func TestExecuteBatchIsRepeatable(t *testing.T) {
	app := testApp(t)
	dir := t.TempDir()
	scan, vitals := filepath.Join(dir, "a.png"), filepath.Join(dir, "a.csv")
	writeScan(t, scan, 20)
	writeVitals(t, vitals, 40)

	m := &Manifest{Name: "repeat", Concurrency: 1, Cases: []ManifestCase{{Name: "a", Scan: scan, Vitals: vitals}}}
	read := func(c ManifestCase) ([]byte, []byte) {
		return readInput(app.Logger, c.Scan), readInput(app.Logger, c.Vitals)
	}

	first, err := executeBatch(context.Background(), app.Orchestrator, m, read, "")
	require.NoError(t, err)
	second, err := executeBatch(context.Background(), app.Orchestrator, m, read, "")
	require.NoError(t, err)

	assert.Equal(t, first[0].RunID, second[0].RunID)
	assert.Equal(t, first[0].Report, second[0].Report)
	entries, err := os.ReadDir(app.Charts.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRouter(t *testing.T) {
	app := testApp(t)
	srv := httptest.NewServer(newRouter(app))
	defer srv.Close()

	for _, path := range []string{"/health", "/ready", "/", "/api/v1/assessments/health", "/api/v1/assessments/schema"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"), path)
		assert.NotEmpty(t, resp.Header.Get("Content-Type"), path)
	}

	dir := t.TempDir()
	scanPath, vitalsPath := filepath.Join(dir, "s.png"), filepath.Join(dir, "v.csv")
	writeScan(t, scanPath, 40)
	writeVitals(t, vitalsPath, 60)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, path := range map[string]string{"scan": scanPath, "vitals": vitalsPath} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		fw, err := mw.CreateFormFile(field, filepath.Base(path))
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/v1/assessments", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got pipeline.Assessment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, clinical.RiskCritical, got.Report.RiskLevel)
	assert.InDelta(t, 50.0, got.Anomaly.VolumePercent, 1e-9)
	require.NotNil(t, got.Chart)

	chart, err := http.Get(srv.URL + "/api/v1/assessments/charts/" + got.Chart.Key)
	require.NoError(t, err)
	defer chart.Body.Close()
	assert.Equal(t, http.StatusOK, chart.StatusCode)
	assert.Equal(t, "image/png", chart.Header.Get("Content-Type"))

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	var metricsBody bytes.Buffer
	_, err = metricsBody.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, metricsBody.String(), "pipeline_runs_total")
	assert.Contains(t, metricsBody.String(), `path="/api/v1/assessments/charts/{key}"`)
}

type countingHealth struct{ calls int }

func (h *countingHealth) Health(context.Context) error {
	h.calls++
	return nil
}

func TestReadyDoesNotProbeNarrativeBackend(t *testing.T) {
	app := testApp(t)
	health := &countingHealth{}
	app.Health = health
	router := newRouter(app)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Contains(t, got.Checks["narrative"], "/api/v1/assessments/health")
	}
	assert.Equal(t, 0, health.calls)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/assessments/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, health.calls)
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	schemaCmd.SetOut(&out)
	require.NoError(t, schemaCmd.RunE(schemaCmd, nil))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &schema))
	assert.Contains(t, schema["properties"], "field_recommendation")
}

func TestWriteAssessment(t *testing.T) {
	var buf bytes.Buffer
	a := &pipeline.Assessment{RunID: types.NewRunID(), Status: pipeline.StatusDegraded, Report: clinical.Placeholder()}
	require.NoError(t, writeAssessment(&buf, a))
	assert.Contains(t, buf.String(), `"status": "degraded"`)
}
