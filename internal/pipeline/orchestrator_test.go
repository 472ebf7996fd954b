package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fieldmed/triage/internal/anomaly"
	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/forecast"
	"github.com/fieldmed/triage/internal/shared/config"
	"github.com/fieldmed/triage/internal/shared/logging"
	"github.com/fieldmed/triage/internal/shared/types"
	"github.com/fieldmed/triage/internal/synthesis"
)

func scanPNG(t *testing.T, blockW, blockH int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			v := uint8(50)
			if x < blockW && y < blockH {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func vitalsCSV(n int, level, sd float64, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var b strings.Builder
	b.WriteString("timestamp,heart_rate\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,%.2f\n", start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), level+rng.NormFloat64()*sd)
	}
	return []byte(b.String())
}

type fixture struct {
	orchestrator *Orchestrator
	charts       *forecast.FileStore
}

func newFixture(t *testing.T, gen synthesis.Generator) fixture {
	t.Helper()
	logger := logging.Discard()

	est := anomaly.NewThresholdEstimator(config.EstimatorConfig{
		Kind: "threshold", Threshold: 200, ROIMargin: 0, MaxDimension: 256, DetectionPercent: 0.1,
	}, logger)

	charts, err := forecast.NewFileStore(t.TempDir())
	require.NoError(t, err)

	fc, err := forecast.New(config.ForecastConfig{
		Kind: "arima", SignalColumn: "heart_rate", MinLength: 10, Window: 100, Horizon: 48,
		AROrder: 2, TrendTolerance: 1, DefaultRisk: "MODERATE",
	}, config.RiskConfig{
		Anomaly:    config.Ladder{Moderate: 5, High: 25, Critical: 40},
		Volatility: config.Ladder{Moderate: 1, High: 5, Critical: 10},
	}, charts, logger)
	require.NoError(t, err)

	return fixture{
		orchestrator: New(est, fc, synthesis.NewSynthesizer(gen, logger), "heart_rate", logger),
		charts:       charts,
	}
}

type failingGenerator struct{ err error }

func (g failingGenerator) Name() string { return "failing" }
func (g failingGenerator) Generate(context.Context, synthesis.Request) (synthesis.Reply, error) {
	return synthesis.Reply{Attempts: 3}, g.err
}

func TestRunScenario(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})

	a := f.orchestrator.Run(context.Background(),
		clinical.ScanArtifact{Name: "scan.png", Data: scanPNG(t, 60, 30)},
		clinical.VitalsArtifact{Name: "vitals.csv", Data: vitalsCSV(100, 80, 0.5, 1)},
	)

	require.NoError(t, a.Report.Validate())
	assert.Equal(t, StatusComplete, a.Status, "warnings: %v", a.Warnings)
	assert.True(t, a.ReportGenerated)
	assert.Equal(t, clinical.RiskModerate, a.Report.RiskLevel)
	assert.InDelta(t, 18.0, a.Report.AnomalyDetails.VolumePercentage, 1e-9)
	assert.True(t, a.Anomaly.Detected)
	assert.Equal(t, clinical.MethodARIMA, a.Forecast.Method)
	assert.Equal(t, 100, a.Vitals.Readings)

	require.NotNil(t, a.Chart)
	assert.Equal(t, a.RunID.ChartKey(), a.Chart.Key)
	rc, err := f.charts.Open(a.Chart.Key)
	require.NoError(t, err)
	rc.Close()

	var stages []Stage
	for _, s := range a.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []Stage{StageIntake, StageEstimate, StageForecast, StageSynthesize}, stages)
}

func TestRunExtremeVitalsStaysEncodable(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})

	var b strings.Builder
	b.WriteString("timestamp,heart_rate\n")
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		v := 1.7e308
		if i%2 == 1 {
			v = -1.7e308
		}
		fmt.Fprintf(&b, "%s,%g\n", start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), v)
	}

	a := f.orchestrator.Run(context.Background(),
		clinical.ScanArtifact{Name: "scan.png", Data: scanPNG(t, 10, 10)},
		clinical.VitalsArtifact{Name: "vitals.csv", Data: []byte(b.String())},
	)

	assert.Equal(t, 20, a.Vitals.Readings)
	assert.NoError(t, a.Report.Validate())
	assert.NotContains(t, a.Forecast.TrendSummary, "NaN")
	_, err := json.Marshal(a)
	assert.NoError(t, err)
}

func TestRunDegradedScenario(t *testing.T) {
	f := newFixture(t, failingGenerator{err: fmt.Errorf("max retries exceeded: %w", context.DeadlineExceeded)})

	a := f.orchestrator.Run(context.Background(),
		clinical.ScanArtifact{Name: "scan.png", Data: []byte("corrupt")},
		clinical.VitalsArtifact{Name: "vitals.csv", Data: vitalsCSV(3, 80, 1, 2)},
	)

	assert.Equal(t, StatusDegraded, a.Status)
	assert.Equal(t, 0.0, a.Anomaly.VolumePercent)
	assert.False(t, a.Anomaly.Detected)
	assert.Equal(t, clinical.RiskModerate, a.Forecast.RiskLevel)
	assert.Equal(t, clinical.MethodInsufficient, a.Forecast.Method)
	assert.False(t, a.ReportGenerated)
	assert.Equal(t, clinical.Placeholder(), a.Report)
	assert.NoError(t, a.Report.Validate())
	assert.Equal(t, 3, a.Attempts)

	joined := strings.Join(a.Warnings, "\n")
	assert.Contains(t, joined, "ESTIMATE: ")
	assert.Contains(t, joined, "FORECAST: ")
	assert.Contains(t, joined, "SYNTHESIZE: narrative synthesis unavailable")
}

func TestRunUnparseableVitals(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})

	a := f.orchestrator.Run(context.Background(),
		clinical.ScanArtifact{Data: scanPNG(t, 10, 10)},
		clinical.VitalsArtifact{Data: []byte("notes\nnothing numeric here\n")},
	)
	assert.Equal(t, StatusDegraded, a.Status)
	assert.True(t, a.Stages[0].Degraded)
	assert.Equal(t, clinical.MethodInsufficient, a.Forecast.Method)
	assert.True(t, a.ReportGenerated)
	assert.NoError(t, a.Report.Validate())
}

type panickingEstimator struct{}

func (panickingEstimator) Estimate(context.Context, clinical.ScanArtifact) clinical.AnomalyMeasurement {
	panic("estimator bug")
}

func TestRunNeverPanics(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})
	f.orchestrator.estimator = panickingEstimator{}

	var a *Assessment
	require.NotPanics(t, func() {
		a = f.orchestrator.Run(context.Background(), clinical.ScanArtifact{}, clinical.VitalsArtifact{})
	})
	assert.Equal(t, StatusDegraded, a.Status)
	assert.NoError(t, a.Report.Validate())
	assert.NotEmpty(t, a.Warnings)
}

func TestRunTotalOverInputs(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})
	scans := [][]byte{nil, []byte("x"), scanPNG(t, 0, 0), scanPNG(t, 100, 100), scanPNG(t, 50, 50)}
	series := [][]byte{nil, []byte("timestamp,heart_rate\n"), vitalsCSV(1, 70, 1, 3), vitalsCSV(12, 70, 5, 4), vitalsCSV(300, 90, 2, 5)}

	for i, s := range scans {
		for j, v := range series {
			a := f.orchestrator.Run(context.Background(), clinical.ScanArtifact{Data: s}, clinical.VitalsArtifact{Data: v})
			assert.NoError(t, a.Report.Validate(), "scan %d vitals %d", i, j)
			assert.True(t, a.Report.RiskLevel == clinical.RiskUnavailable || a.Report.RiskLevel.Valid())
		}
	}
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})

	const runs = 12
	results := make([]*Assessment, runs)
	var g errgroup.Group
	g.SetLimit(4)
	for i := 0; i < runs; i++ {
		g.Go(func() error {
			// Block height i*5 rows gives a volume of i*5 percent
			results[i] = f.orchestrator.Run(context.Background(),
				clinical.ScanArtifact{Data: scanPNG(t, 100, i*5)},
				clinical.VitalsArtifact{Data: vitalsCSV(50, 60+float64(i)*5, 0.5, uint64(i))},
			)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	keys := map[string]bool{}
	ids := map[types.RunID]bool{}
	for i, a := range results {
		assert.InDelta(t, float64(i*5), a.Anomaly.VolumePercent, 1e-9, "run %d", i)
		assert.InDelta(t, float64(i*5), a.Report.AnomalyDetails.VolumePercentage, 1e-9, "run %d", i)
		require.NotNil(t, a.Chart, "run %d", i)
		assert.False(t, keys[a.Chart.Key], "chart key reused")
		keys[a.Chart.Key] = true
		assert.False(t, ids[a.RunID], "run id reused")
		ids[a.RunID] = true
		assert.InDelta(t, 60+float64(i)*5, a.Forecast.Points[0].Mean, 5, "run %d", i)
	}
}

func TestRunWithIDUsesGivenID(t *testing.T) {
	f := newFixture(t, synthesis.TemplateGenerator{})
	id := types.NewDeterministicRunID("batch", "case-1")

	a := f.orchestrator.RunWithID(context.Background(), id,
		clinical.ScanArtifact{Data: scanPNG(t, 10, 10)},
		clinical.VitalsArtifact{Data: vitalsCSV(20, 70, 1, 6)},
	)
	assert.Equal(t, id, a.RunID)
	require.NotNil(t, a.Chart)
	assert.Equal(t, id.ChartKey(), a.Chart.Key)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StageIntake, StageEstimate))
	assert.True(t, CanTransition(StageSynthesize, StageDone))
	assert.False(t, CanTransition(StageEstimate, StageIntake))
	assert.False(t, CanTransition(StageIntake, StageForecast))
	assert.False(t, CanTransition(StageDone, StageDone))
	assert.False(t, CanTransition("REVIEW", StageDone))
}

func TestTrackerRejectsBackwardMoves(t *testing.T) {
	tr := &tracker{}
	require.Error(t, tr.advance(StageEstimate))
	require.NoError(t, tr.advance(StageIntake))
	require.NoError(t, tr.advance(StageEstimate))
	assert.Error(t, tr.advance(StageIntake))

	ran := false
	_, err := tr.run(StageSynthesize, func() (bool, []string) { ran = true; return false, nil })
	assert.Error(t, err)
	assert.False(t, ran)
	assert.Empty(t, tr.records)
}
