package forecast

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.959963984540054

// ErrFit marks a model that could not be fitted to the series.
var ErrFit = errors.New("model fit failed")

// Projection is a fitted forward path.
type Projection struct {
	Mean  []float64
	Lower []float64
	Upper []float64
	// HasInterval is false when Lower and Upper only repeat Mean
	HasInterval bool
	// Coefficients of the fitted model, empty for a flat projection
	Coefficients []float64
	Sigma        float64
}

// Model projects a series forward by horizon steps.
type Model interface {
	Name() string
	Fit(values []float64, horizon int) (Projection, error)
}

// ARIMA is an ARIMA(p,1,0) model without drift. It regresses first differences on
// their p lags by least squares and integrates the projection back to levels.
type ARIMA struct {
	Order int
}

func (m ARIMA) Name() string {
	return fmt.Sprintf("arima(%d,1,0)", m.Order)
}

func (m ARIMA) Fit(values []float64, horizon int) (Projection, error) {
	p := m.Order
	if p < 1 {
		return Projection{}, fmt.Errorf("%w: order %d", ErrFit, p)
	}
	if horizon < 1 {
		return Projection{}, fmt.Errorf("%w: horizon %d", ErrFit, horizon)
	}

	diffs := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		diffs[i-1] = values[i] - values[i-1]
	}

	rows := len(diffs) - p
	if rows <= p {
		return Projection{}, fmt.Errorf("%w: %d observations are not enough for order %d", ErrFit, len(values), p)
	}

	x := mat.NewDense(rows, p, nil)
	y := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		t := r + p
		y.SetVec(r, diffs[t])
		for i := 1; i <= p; i++ {
			x.Set(r, i-1, diffs[t-i])
		}
	}

	var phi mat.VecDense
	if err := phi.SolveVec(x, y); err != nil {
		return Projection{}, fmt.Errorf("%w: %v", ErrFit, err)
	}

	coef := make([]float64, p)
	for i := range coef {
		coef[i] = phi.AtVec(i)
	}

	var fitted mat.VecDense
	fitted.MulVec(x, &phi)
	var rss float64
	for r := 0; r < rows; r++ {
		e := y.AtVec(r) - fitted.AtVec(r)
		rss += e * e
	}
	sigma := math.Sqrt(rss / float64(rows-p))

	mean := make([]float64, horizon)
	history := append([]float64(nil), diffs[len(diffs)-p:]...)
	level := values[len(values)-1]
	for h := 0; h < horizon; h++ {
		var d float64
		for i := 1; i <= p; i++ {
			d += coef[i-1] * history[len(history)-i]
		}
		history = append(history, d)
		level += d
		mean[h] = level
	}

	lower, upper := interval(mean, coef, sigma)

	proj := Projection{
		Mean:         mean,
		Lower:        lower,
		Upper:        upper,
		HasInterval:  true,
		Coefficients: coef,
		Sigma:        sigma,
	}
	if !finite(proj.Mean) || !finite(proj.Lower) || !finite(proj.Upper) || math.IsNaN(sigma) {
		return Projection{}, fmt.Errorf("%w: projection diverged", ErrFit)
	}
	return proj, nil
}

// interval builds the 95% band from the psi weights of the integrated process.
func interval(mean, coef []float64, sigma float64) ([]float64, []float64) {
	horizon := len(mean)
	psi := make([]float64, horizon)
	psi[0] = 1
	for j := 1; j < horizon; j++ {
		for i := 1; i <= len(coef) && i <= j; i++ {
			psi[j] += coef[i-1] * psi[j-i]
		}
	}

	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	var cum, variance float64
	for h := 0; h < horizon; h++ {
		cum += psi[h]
		variance += cum * cum
		half := z95 * sigma * math.Sqrt(variance)
		lower[h] = mean[h] - half
		upper[h] = mean[h] + half
	}
	return lower, upper
}

// Flat repeats the series mean. It is the fallback when fitting fails and can be
// selected as the primary model.
type Flat struct{}

func (Flat) Name() string {
	return "flat"
}

func (Flat) Fit(values []float64, horizon int) (Projection, error) {
	return flat(values, horizon), nil
}

func flat(values []float64, horizon int) Projection {
	m := centre(values)
	mean := make([]float64, horizon)
	for i := range mean {
		mean[i] = m
	}
	return Projection{
		Mean:  mean,
		Lower: append([]float64(nil), mean...),
		Upper: append([]float64(nil), mean...),
	}
}

// centre is the mean of values, or their median when the mean overflows. It is zero
// when no finite value exists.
func centre(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if m := stat.Mean(values, nil); !math.IsNaN(m) && !math.IsInf(m, 0) {
		return m
	}

	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func finite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
