package forecast

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/fieldmed/triage/internal/clinical"
)

var (
	observedColor = color.NRGBA{R: 31, G: 119, B: 180, A: 255}
	forecastColor = color.NRGBA{R: 214, G: 39, B: 40, A: 255}
	bandColor     = color.NRGBA{R: 214, G: 39, B: 40, A: 48}
)

// RenderChart draws the observed window, the forecast mean and, when present, the 95%
// band as a PNG.
func RenderChart(w io.Writer, series clinical.VitalsSeries, result clinical.ForecastResult) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s forecast (%s)", channelLabel(series), result.Method)
	p.X.Label.Text = "Time"
	p.Y.Label.Text = channelLabel(series)
	if series.SynthesizedTime {
		p.X.Label.Text = "Hours"
		p.X.Tick.Marker = plot.TimeTicks{Format: "15h"}
	} else {
		p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04"}
	}
	p.Add(plotter.NewGrid())

	observed := make(plotter.XYs, series.Len())
	for i, r := range series.Readings {
		observed[i].X = float64(r.Time.Unix())
		observed[i].Y = r.Value
	}
	if len(observed) > 0 {
		line, err := plotter.NewLine(observed)
		if err != nil {
			return fmt.Errorf("observed line: %w", err)
		}
		line.Color = observedColor
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add("observed", line)
	}

	if len(result.Points) > 0 {
		if result.HasInterval && len(result.Points) > 1 {
			band := make(plotter.XYs, 0, 2*len(result.Points))
			for _, pt := range result.Points {
				band = append(band, plotter.XY{X: float64(pt.Time.Unix()), Y: pt.Upper})
			}
			for i := len(result.Points) - 1; i >= 0; i-- {
				pt := result.Points[i]
				band = append(band, plotter.XY{X: float64(pt.Time.Unix()), Y: pt.Lower})
			}
			poly, err := plotter.NewPolygon(band)
			if err != nil {
				return fmt.Errorf("interval band: %w", err)
			}
			poly.Color = bandColor
			poly.LineStyle.Width = 0
			p.Add(poly)
			p.Legend.Add("95% interval", poly)
		}

		mean := make(plotter.XYs, len(result.Points))
		for i, pt := range result.Points {
			mean[i].X = float64(pt.Time.Unix())
			mean[i].Y = pt.Mean
		}
		line, err := plotter.NewLine(mean)
		if err != nil {
			return fmt.Errorf("forecast line: %w", err)
		}
		line.Color = forecastColor
		line.Width = vg.Points(1.2)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("forecast", line)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("encode chart: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	return nil
}

func channelLabel(s clinical.VitalsSeries) string {
	if s.Unit != "" {
		return fmt.Sprintf("%s (%s)", s.Channel, s.Unit)
	}
	if s.Channel != "" {
		return s.Channel
	}
	return "signal"
}
