// Package report renders aligned activity for inspection: static heatmaps
// through gonum/plot and interactive per-neuron traces through go-echarts.
package report

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// grid adapts a neuron x time matrix to plotter.GridXYZ with time along X.
type grid struct {
	m mat.Matrix
}

func (g grid) Dims() (c, r int) {
	r, c = g.m.Dims()
	return c, r
}

func (g grid) Z(c, r int) float64 { return g.m.At(r, c) }
func (g grid) X(c int) float64    { return float64(c) }
func (g grid) Y(r int) float64    { return float64(r) }

// HeatmapOptions controls WriteHeatmap.
type HeatmapOptions struct {
	Title string
	// Bound clamps the colour scale to [-Bound, Bound].
	Bound float64
	// Events marks positions on the time axis with vertical lines.
	Events []int
	Width  vg.Length
	Height vg.Length
}

// NewHeatmap builds a plot of m, neurons on Y and time on X, coloured blue
// to red.
func NewHeatmap(m mat.Matrix, o HeatmapOptions) (*plot.Plot, error) {
	if m == nil {
		return nil, errors.New("heatmap: no data")
	}
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.New("heatmap: empty matrix")
	}
	if !(o.Bound > 0) {
		return nil, fmt.Errorf("heatmap: bound must be positive, got %v", o.Bound)
	}

	pal := palette.Rainbow(64, palette.Blue, palette.Red, 1, 1, 1)
	colors := pal.Colors()

	hm := plotter.NewHeatMap(grid{m}, pal)
	hm.Min, hm.Max = -o.Bound, o.Bound
	hm.Underflow = colors[0]
	hm.Overflow = colors[len(colors)-1]
	hm.NaN = color.Black

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Neuron"
	p.Add(hm)

	for _, ev := range o.Events {
		x := float64(ev) - 0.5
		line, err := plotter.NewLine(plotter.XYs{{X: x, Y: -0.5}, {X: x, Y: float64(rows) - 0.5}})
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev, err)
		}
		line.Color = color.White
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
	}
	return p, nil
}

// WriteHeatmap renders m to path. The image format follows the file
// extension (.png, .svg, .pdf, ...).
func WriteHeatmap(path string, m mat.Matrix, o HeatmapOptions) error {
	p, err := NewHeatmap(m, o)
	if err != nil {
		return err
	}
	w, h := o.Width, o.Height
	if w == 0 {
		w = 17 * vg.Centimeter
	}
	if h == 0 {
		h = 8.5 * vg.Centimeter
	}
	if err := p.Save(w, h, path); err != nil {
		return fmt.Errorf("failed to save heatmap: %w", err)
	}
	return nil
}
