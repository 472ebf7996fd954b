// Package anomaly turns a scan image into an anomaly volume measurement.
package anomaly

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	// Scan formats accepted at intake
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
	apperrors "github.com/fieldmed/triage/internal/shared/errors"
)

// maxPixels bounds decoded scans so a crafted header cannot exhaust memory.
const maxPixels = 64 << 20

// Estimator measures anomaly volume in a scan. Implementations never fail: an
// unusable scan yields clinical.NeutralAnomaly.
type Estimator interface {
	Estimate(ctx context.Context, scan clinical.ScanArtifact) clinical.AnomalyMeasurement
}

// New builds the estimator selected by cfg.Kind.
func New(cfg config.EstimatorConfig, logger *slog.Logger) (Estimator, error) {
	switch cfg.Kind {
	case "threshold":
		return NewThresholdEstimator(cfg, logger), nil
	case "mock":
		return NewMockEstimator(cfg, logger), nil
	default:
		return nil, apperrors.Contract(fmt.Sprintf("unknown estimator kind %q", cfg.Kind), nil)
	}
}

// decode loads the scan after checking its declared dimensions.
func decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty scan")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("read scan header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("scan has no pixels (%dx%d)", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, "", fmt.Errorf("scan too large (%dx%d)", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s scan: %w", format, err)
	}
	return img, format, nil
}

// guard converts a panic inside a decoder into a neutral measurement.
func guard(logger *slog.Logger, scan clinical.ScanArtifact, out *clinical.AnomalyMeasurement) {
	if r := recover(); r != nil {
		logger.Warn("scan analysis panicked", "scan", scan.Name, "panic", r)
		*out = clinical.NeutralAnomaly(fmt.Sprintf("scan analysis failed: %v", r))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
