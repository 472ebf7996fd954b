package anomaly

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
	"github.com/fieldmed/triage/internal/shared/logging"
)

func testConfig() config.EstimatorConfig {
	return config.EstimatorConfig{
		Kind:             "threshold",
		Threshold:        200,
		ROIMargin:        0,
		MaxDimension:     256,
		DetectionPercent: 0.1,
		MockSeed:         42,
	}
}

// blockScan draws a w x h gray image with a bright bw x bh block in the top-left corner.
func blockScan(w, h, bw, bh int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(50)
			if x < bw && y < bh {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThresholdEstimatorVolume(t *testing.T) {
	est := NewThresholdEstimator(testConfig(), logging.Discard())

	m := est.Estimate(context.Background(), clinical.ScanArtifact{
		Name: "scan.png",
		Data: encodePNG(t, blockScan(100, 100, 60, 30)),
	})

	assert.False(t, m.Degraded)
	assert.InDelta(t, 18.0, m.VolumePercent, 1e-9)
	assert.True(t, m.Detected)
	require.NotNil(t, m.Detail)
	assert.Equal(t, 1800, m.Detail.AnomalousPixels)
	assert.Equal(t, 10000, m.Detail.TotalPixels)
}

func TestThresholdEstimatorROIMargin(t *testing.T) {
	cfg := testConfig()
	cfg.ROIMargin = 0.1
	est := NewThresholdEstimator(cfg, logging.Discard())

	// Block sits entirely inside the border that the margin removes
	m := est.Estimate(context.Background(), clinical.ScanArtifact{
		Data: encodePNG(t, blockScan(100, 100, 10, 10)),
	})
	assert.Equal(t, 0.0, m.VolumePercent)
	assert.False(t, m.Detected)
	assert.Equal(t, 80, m.Detail.Width)
}

func TestThresholdEstimatorUniformScan(t *testing.T) {
	est := NewThresholdEstimator(testConfig(), logging.Discard())
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	for i := range img.Pix {
		img.Pix[i] = 240
	}

	m := est.Estimate(context.Background(), clinical.ScanArtifact{Data: encodePNG(t, img)})
	assert.Equal(t, 0.0, m.VolumePercent)
	assert.False(t, m.Detected)
	assert.False(t, m.Degraded)
}

func TestThresholdEstimatorDownscales(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDimension = 64
	est := NewThresholdEstimator(cfg, logging.Discard())

	// Left half bright: about half the pixels survive bilinear rescaling
	m := est.Estimate(context.Background(), clinical.ScanArtifact{
		Data: encodePNG(t, blockScan(512, 256, 256, 256)),
	})
	require.NotNil(t, m.Detail)
	assert.Equal(t, 64, m.Detail.Width)
	assert.Equal(t, 32, m.Detail.Height)
	assert.InDelta(t, 50.0, m.VolumePercent, 3.0)
}

func TestThresholdEstimatorFormats(t *testing.T) {
	est := NewThresholdEstimator(testConfig(), logging.Discard())
	img := blockScan(100, 100, 60, 30)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, &jpeg.Options{Quality: 100}))
	var bm bytes.Buffer
	require.NoError(t, bmp.Encode(&bm, img))

	for name, data := range map[string][]byte{"jpeg": jpg.Bytes(), "bmp": bm.Bytes()} {
		t.Run(name, func(t *testing.T) {
			m := est.Estimate(context.Background(), clinical.ScanArtifact{Data: data})
			assert.False(t, m.Degraded)
			assert.InDelta(t, 18.0, m.VolumePercent, 1.0)
		})
	}
}

func TestEstimatorsFailClosed(t *testing.T) {
	estimators := map[string]Estimator{
		"threshold": NewThresholdEstimator(testConfig(), logging.Discard()),
		"mock":      NewMockEstimator(testConfig(), logging.Discard()),
	}
	inputs := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": encodePNG(t, blockScan(50, 50, 5, 5))[:40],
	}

	for en, est := range estimators {
		for in, data := range inputs {
			t.Run(en+"/"+in, func(t *testing.T) {
				m := est.Estimate(context.Background(), clinical.ScanArtifact{Name: in, Data: data})
				assert.Equal(t, 0.0, m.VolumePercent)
				assert.False(t, m.Detected)
				assert.True(t, m.Degraded)
				assert.NotEmpty(t, m.Warnings)
			})
		}
	}
}

func TestEstimateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	est := NewThresholdEstimator(testConfig(), logging.Discard())
	m := est.Estimate(ctx, clinical.ScanArtifact{Data: encodePNG(t, blockScan(10, 10, 5, 5))})
	assert.True(t, m.Degraded)
}

func TestMockEstimatorRange(t *testing.T) {
	est := NewMockEstimator(testConfig(), logging.Discard())
	data := encodePNG(t, blockScan(20, 20, 0, 0))

	for i := 0; i < 200; i++ {
		m := est.Estimate(context.Background(), clinical.ScanArtifact{Data: data})
		assert.GreaterOrEqual(t, m.VolumePercent, 5.0)
		assert.LessOrEqual(t, m.VolumePercent, 25.0)
		assert.True(t, m.Detected)
	}
}

func TestMockEstimatorSeeded(t *testing.T) {
	data := encodePNG(t, blockScan(20, 20, 0, 0))
	a := NewMockEstimator(testConfig(), logging.Discard()).Estimate(context.Background(), clinical.ScanArtifact{Data: data})
	b := NewMockEstimator(testConfig(), logging.Discard()).Estimate(context.Background(), clinical.ScanArtifact{Data: data})
	assert.Equal(t, a.VolumePercent, b.VolumePercent)
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	est, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &ThresholdEstimator{}, est)

	cfg.Kind = "mock"
	est, err = New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MockEstimator{}, est)

	cfg.Kind = "unet"
	_, err = New(cfg, logging.Discard())
	assert.Error(t, err)
}
