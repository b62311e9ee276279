package scanmatch

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// errNothingToPlot is returned when a trace has no usable samples.
var errNothingToPlot = errors.New("trace has nothing to plot")

// ConvergenceSeries returns, per recorded estimate, its distance to the
// final estimate (metres) and the absolute heading difference (radians).
func ConvergenceSeries(t *MatchTrace) (position, heading plotter.XYs) {
	estimates := t.Estimates()
	if len(estimates) == 0 {
		return nil, nil
	}
	final := estimates[len(estimates)-1]
	position = make(plotter.XYs, len(estimates))
	heading = make(plotter.XYs, len(estimates))
	for i, e := range estimates {
		position[i] = plotter.XY{X: float64(i), Y: Distance(e.Position(), final.Position())}
		heading[i] = plotter.XY{X: float64(i), Y: math.Abs(AngleDiff(e.Theta, final.Theta))}
	}
	return position, heading
}

// InformationSeries returns log10 det(H) for every recorded Hessian with a
// positive determinant.
func InformationSeries(t *MatchTrace) plotter.XYs {
	var out plotter.XYs
	for i, rows := range t.Hessians() {
		h := mat.NewSymDense(3, []float64{
			rows[0][0], rows[0][1], rows[0][2],
			rows[1][0], rows[1][1], rows[1][2],
			rows[2][0], rows[2][1], rows[2][2],
		})
		if det := mat.Det(h); det > 0 {
			out = append(out, plotter.XY{X: float64(i), Y: math.Log10(det)})
		}
	}
	return out
}

// PlotConvergence renders the convergence of a trace to a PNG (or any
// format gonum/plot infers from the file extension).
func PlotConvergence(t *MatchTrace, path string) error {
	position, heading := ConvergenceSeries(t)
	if len(position) == 0 {
		return errNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Scan match convergence"
	p.X.Label.Text = "Estimate"
	p.Y.Label.Text = "Distance to final (m, rad)"

	posLine, err := plotter.NewLine(position)
	if err != nil {
		return fmt.Errorf("position series: %w", err)
	}
	posLine.Color = color.RGBA{R: 200, A: 255}
	posLine.Width = vg.Points(1)
	p.Add(posLine)
	p.Legend.Add("position", posLine)

	headLine, err := plotter.NewLine(heading)
	if err != nil {
		return fmt.Errorf("heading series: %w", err)
	}
	headLine.Color = color.RGBA{B: 200, A: 255}
	headLine.Width = vg.Points(1)
	headLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(headLine)
	p.Legend.Add("heading", headLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save convergence plot: %w", err)
	}
	return nil
}

// PlotInformation renders log10 det(H) per counted iteration.
func PlotInformation(t *MatchTrace, path string) error {
	info := InformationSeries(t)
	if len(info) == 0 {
		return errNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Hessian information"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "log10 det(H)"

	line, points, err := plotter.NewLinePoints(info)
	if err != nil {
		return fmt.Errorf("information series: %w", err)
	}
	line.Color = color.RGBA{G: 150, A: 255}
	points.Color = line.Color
	p.Add(line, points)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save information plot: %w", err)
	}
	return nil
}
