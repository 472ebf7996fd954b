package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
)

// MockEstimator returns a uniform volume in [5, 25) for any decodable scan. It stands in
// for a segmentation model during demos and load tests.
type MockEstimator struct {
	mu               sync.Mutex
	rng              *rand.Rand
	detectionPercent float64
	logger           *slog.Logger
}

// NewMockEstimator seeds the generator from cfg.MockSeed; zero means time-seeded.
func NewMockEstimator(cfg config.EstimatorConfig, logger *slog.Logger) *MockEstimator {
	seed := uint64(cfg.MockSeed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &MockEstimator{
		rng:              rand.New(rand.NewPCG(seed, seed>>1|1)),
		detectionPercent: cfg.DetectionPercent,
		logger:           logger,
	}
}

func (e *MockEstimator) Estimate(ctx context.Context, scan clinical.ScanArtifact) (out clinical.AnomalyMeasurement) {
	defer guard(e.logger, scan, &out)

	if err := ctx.Err(); err != nil {
		return clinical.NeutralAnomaly(fmt.Sprintf("scan analysis cancelled: %v", err))
	}

	img, _, err := decode(scan.Data)
	if err != nil {
		e.logger.Warn("scan not analysable", "scan", scan.Name, "error", err)
		return clinical.NeutralAnomaly(fmt.Sprintf("scan could not be decoded: %v", err))
	}

	e.mu.Lock()
	volume := round2(5 + e.rng.Float64()*20)
	e.mu.Unlock()

	b := img.Bounds()
	return clinical.AnomalyMeasurement{
		VolumePercent: volume,
		Detected:      volume > e.detectionPercent,
		Detail: &clinical.AnomalyDetail{
			Method:      "mock",
			Width:       b.Dx(),
			Height:      b.Dy(),
			TotalPixels: b.Dx() * b.Dy(),
			Description: "Simulated segmentation result.",
		},
	}
}
