// Package forecast projects a vitals series forward and classifies triage risk.
package forecast

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
	apperrors "github.com/fieldmed/triage/internal/shared/errors"
	"github.com/fieldmed/triage/internal/shared/types"
)

// maxForecastSpan bounds horizon times the reading interval.
const maxForecastSpan = 100 * 365 * 24 * time.Hour

// latestTime is the last instant a forecast point may carry; RFC 3339 has four year digits.
var latestTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Forecaster projects a series and derives a risk level. Implementations never fail:
// thin series and fit failures degrade to a conservative result.
type Forecaster interface {
	Forecast(ctx context.Context, id types.RunID, series clinical.VitalsSeries, anomaly clinical.AnomalyMeasurement) clinical.ForecastResult
}

// VitalsForecaster fits Model to the tail window of the series.
type VitalsForecaster struct {
	model       Model
	policy      RiskPolicy
	charts      ChartStore
	minLength   int
	window      int
	horizon     int
	tolerance   float64
	defaultRisk clinical.RiskLevel
	logger      *slog.Logger
}

// New builds the forecaster selected by cfg.Kind. charts may be nil, in which case no
// chart is rendered.
func New(cfg config.ForecastConfig, risk config.RiskConfig, charts ChartStore, logger *slog.Logger) (*VitalsForecaster, error) {
	var model Model
	switch cfg.Kind {
	case "arima":
		model = ARIMA{Order: cfg.AROrder}
	case "flat":
		model = Flat{}
	default:
		return nil, apperrors.Contract(fmt.Sprintf("unknown forecaster kind %q", cfg.Kind), nil)
	}

	policy, err := NewRiskPolicy(risk)
	if err != nil {
		return nil, err
	}
	defaultRisk, err := clinical.ParseRiskLevel(cfg.DefaultRisk)
	if err != nil {
		return nil, apperrors.Contract("forecast.default_risk", err)
	}

	return &VitalsForecaster{
		model:       model,
		policy:      policy,
		charts:      charts,
		minLength:   cfg.MinLength,
		window:      cfg.Window,
		horizon:     cfg.Horizon,
		tolerance:   cfg.TrendTolerance,
		defaultRisk: defaultRisk,
		logger:      logger,
	}, nil
}

func (f *VitalsForecaster) Forecast(ctx context.Context, id types.RunID, series clinical.VitalsSeries, anomaly clinical.AnomalyMeasurement) clinical.ForecastResult {
	logger := f.logger.With("run_id", id.String())

	var result clinical.ForecastResult
	if series.Len() < f.minLength {
		result = f.insufficient(series, anomaly)
		logger.Warn("vitals series below minimum length, fitting skipped",
			"readings", series.Len(),
			"min_length", f.minLength,
			"risk_level", result.RiskLevel,
		)
	} else {
		result = f.project(series, anomaly, logger)
	}

	if f.charts != nil && series.Len() > 0 {
		window := tail(series, f.window)
		ref, err := f.charts.Save(ctx, id, func(w io.Writer) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("render chart: %v", r)
				}
			}()
			return RenderChart(w, window, result)
		})
		if err != nil {
			logger.Warn("chart not rendered", "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("chart unavailable: %v", err))
		} else {
			result.Chart = ref
		}
	}

	return result
}

func (f *VitalsForecaster) insufficient(series clinical.VitalsSeries, anomaly clinical.AnomalyMeasurement) clinical.ForecastResult {
	summary := fmt.Sprintf("Insufficient data: %d clean readings, %d required for a forecast",
		series.Len(), f.minLength)

	// Without a measurable cadence readings are assumed hourly
	return clinical.ForecastResult{
		RiskLevel:    clinical.Max(f.defaultRisk, f.policy.AnomalyLevel(anomaly.VolumePercent)),
		TrendSummary: summary,
		Trend:        clinical.TrendUnknown,
		Method:       clinical.MethodInsufficient,
		Horizon:      f.horizon,
		HorizonHours: f.horizon,
		Degraded:     true,
		Warnings:     []string{fmt.Sprintf("vitals series has %d readings, forecast skipped", series.Len())},
	}
}

func (f *VitalsForecaster) project(series clinical.VitalsSeries, anomaly clinical.AnomalyMeasurement, logger *slog.Logger) clinical.ForecastResult {
	window := tail(series, f.window)
	values := window.Values()

	result := clinical.ForecastResult{Horizon: f.horizon}

	proj, err := f.fit(values)
	if err != nil {
		logger.Warn("forecast model failed, using flat projection", "model", f.model.Name(), "error", err)
		proj = flat(values, f.horizon)
		result.Method = clinical.MethodFlat
		result.Degraded = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("%v, projected series mean instead", err))
	} else if _, isFlat := f.model.(Flat); isFlat {
		result.Method = clinical.MethodFlat
	} else {
		result.Method = clinical.MethodARIMA
	}

	step := cadence(window)
	if limit := maxForecastSpan / time.Duration(max(f.horizon, 1)); step > limit {
		result.Warnings = append(result.Warnings, fmt.Sprintf("reading interval %s clamped to %s", step, limit))
		step = limit
	}
	result.HorizonHours = int(math.Round((time.Duration(f.horizon) * step).Hours()))
	last := window.Readings[len(window.Readings)-1].Time
	result.Points = make([]clinical.ForecastPoint, f.horizon)
	for h := range result.Points {
		ts := last.Add(time.Duration(h+1) * step)
		if ts.After(latestTime) {
			ts = latestTime
		}
		result.Points[h] = clinical.ForecastPoint{
			Time:  ts,
			Mean:  proj.Mean[h],
			Lower: proj.Lower[h],
			Upper: proj.Upper[h],
		}
	}
	result.HasInterval = proj.HasInterval

	result.Volatility = volatility(proj.Mean)
	historic := centre(values)
	result.Trend, result.TrendSummary = f.trend(proj.Mean, historic, window)
	result.RiskLevel = f.policy.Classify(anomaly.VolumePercent, result.Volatility)

	logger.Debug("vitals forecast complete",
		"method", result.Method,
		"window", len(values),
		"volatility", result.Volatility,
		"trend", result.Trend,
		"risk_level", result.RiskLevel,
	)
	return result
}

// fit runs the model and converts a panic in the numeric code into a fit error.
func (f *VitalsForecaster) fit(values []float64) (proj Projection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFit, r)
		}
	}()
	proj, err = f.model.Fit(values, f.horizon)
	switch {
	case err != nil:
	case len(proj.Mean) != f.horizon || len(proj.Lower) != f.horizon || len(proj.Upper) != f.horizon:
		err = fmt.Errorf("%w: projection has %d steps, want %d", ErrFit, len(proj.Mean), f.horizon)
	case !finite(proj.Mean) || !finite(proj.Lower) || !finite(proj.Upper):
		err = fmt.Errorf("%w: projection is not finite", ErrFit)
	}
	return proj, err
}

// trend compares the last forecast step with the mean of the observed window.
func (f *VitalsForecaster) trend(mean []float64, historic float64, window clinical.VitalsSeries) (clinical.Trend, string) {
	var maxDev float64
	for _, v := range mean {
		maxDev = math.Max(maxDev, math.Abs(v-historic))
	}

	trend := clinical.TrendStable
	switch end := mean[len(mean)-1] - historic; {
	case end > f.tolerance:
		trend = clinical.TrendRising
	case end < -f.tolerance:
		trend = clinical.TrendFalling
	}

	unit := window.Unit
	if unit == "" {
		unit = "units"
	}
	return trend, fmt.Sprintf("%s trend detected (Max deviation: %.1f %s)", trend, maxDev, unit)
}

// volatility is the standard deviation of the forecast mean; zero for a single step.
// Values are scaled by their largest magnitude first so extreme levels cannot overflow.
func volatility(mean []float64) float64 {
	if len(mean) < 2 {
		return 0
	}
	var scale float64
	for _, v := range mean {
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return 0
	}
	scaled := make([]float64, len(mean))
	for i, v := range mean {
		scaled[i] = v / scale
	}
	v := stat.StdDev(scaled, nil) * scale
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 0):
		return math.MaxFloat64
	}
	if r := math.Round(v*1000) / 1000; !math.IsInf(r, 0) {
		return r
	}
	return v
}

// cadence is the median spacing of the window, one hour when it cannot be measured.
func cadence(s clinical.VitalsSeries) time.Duration {
	if s.Len() < 2 {
		return time.Hour
	}
	gaps := make([]time.Duration, 0, s.Len()-1)
	for i := 1; i < s.Len(); i++ {
		gaps = append(gaps, s.Readings[i].Time.Sub(s.Readings[i-1].Time))
	}
	slices.Sort(gaps)
	if g := gaps[len(gaps)/2]; g > 0 {
		return g
	}
	return time.Hour
}

func tail(s clinical.VitalsSeries, n int) clinical.VitalsSeries {
	if n <= 0 || s.Len() <= n {
		return s
	}
	out := s
	out.Readings = s.Readings[s.Len()-n:]
	return out
}
