package anomaly

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
)

// ThresholdEstimator flags normalised high-intensity pixels inside a central region
// of interest as candidate edema or hemorrhage.
type ThresholdEstimator struct {
	threshold        uint8
	margin           float64
	maxDimension     int
	detectionPercent float64
	logger           *slog.Logger
}

func NewThresholdEstimator(cfg config.EstimatorConfig, logger *slog.Logger) *ThresholdEstimator {
	return &ThresholdEstimator{
		threshold:        uint8(cfg.Threshold),
		margin:           cfg.ROIMargin,
		maxDimension:     cfg.MaxDimension,
		detectionPercent: cfg.DetectionPercent,
		logger:           logger,
	}
}

func (e *ThresholdEstimator) Estimate(ctx context.Context, scan clinical.ScanArtifact) (out clinical.AnomalyMeasurement) {
	defer guard(e.logger, scan, &out)

	if err := ctx.Err(); err != nil {
		return clinical.NeutralAnomaly(fmt.Sprintf("scan analysis cancelled: %v", err))
	}

	img, format, err := decode(scan.Data)
	if err != nil {
		e.logger.Warn("scan not analysable", "scan", scan.Name, "error", err)
		return clinical.NeutralAnomaly(fmt.Sprintf("scan could not be decoded: %v", err))
	}

	gray := e.region(img)
	b := gray.Bounds()
	total := b.Dx() * b.Dy()

	lo, hi := uint8(255), uint8(0)
	for _, v := range gray.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	anomalous := 0
	// A uniform region has no contrast and therefore no anomaly
	if hi > lo {
		span := float64(hi - lo)
		for _, v := range gray.Pix {
			if float64(v-lo)*255/span >= float64(e.threshold) {
				anomalous++
			}
		}
	}

	volume := round2(100 * float64(anomalous) / float64(total))
	detected := volume > e.detectionPercent

	description := "No high-intensity region above threshold."
	if detected {
		description = fmt.Sprintf("High-intensity region covering %.2f%% of the analysed area (possible edema or hemorrhage).", volume)
	}

	e.logger.Debug("scan analysed",
		"scan", scan.Name,
		"format", format,
		"volume_percent", volume,
		"detected", detected,
	)

	return clinical.AnomalyMeasurement{
		VolumePercent: volume,
		Detected:      detected,
		Detail: &clinical.AnomalyDetail{
			Method:          "threshold",
			Width:           b.Dx(),
			Height:          b.Dy(),
			AnomalousPixels: anomalous,
			TotalPixels:     total,
			Threshold:       int(e.threshold),
			Description:     description,
		},
	}
}

// region crops the border margin and converts to grayscale, downscaling when the
// region exceeds maxDimension on its longer side.
func (e *ThresholdEstimator) region(img image.Image) *image.Gray {
	b := img.Bounds()
	mx := int(float64(b.Dx()) * e.margin)
	my := int(float64(b.Dy()) * e.margin)
	roi := image.Rect(b.Min.X+mx, b.Min.Y+my, b.Max.X-mx, b.Max.Y-my)
	if roi.Empty() {
		roi = b
	}

	w, h := roi.Dx(), roi.Dy()
	if longest := max(w, h); longest > e.maxDimension {
		scale := float64(e.maxDimension) / float64(longest)
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
		dst := image.NewGray(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, roi, draw.Src, nil)
		return dst
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.GrayModel.Convert(img.At(roi.Min.X+x, roi.Min.Y+y)).(color.Gray)
			dst.Pix[y*dst.Stride+x] = c.Y
		}
	}
	return dst
}
