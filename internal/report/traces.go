package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tensoralign/internal/tensor"
)

// Traces is an aligned tensor, [trials, neurons, time], with its labels.
type Traces struct {
	Title       string
	Trials      []string
	Tensor      *tensor.Array
	EventFrames []int
}

func (tr Traces) check() error {
	if tr.Tensor == nil || tr.Tensor.NDim() != 3 {
		return fmt.Errorf("%w: traces need a 3-D tensor", tensor.ErrShape)
	}
	if n := tr.Tensor.Shape()[0]; len(tr.Trials) != 0 && len(tr.Trials) != n {
		return fmt.Errorf("%d trial names for %d trials", len(tr.Trials), n)
	}
	return nil
}

func (tr Traces) trialName(i int) string {
	if i < len(tr.Trials) {
		return tr.Trials[i]
	}
	return fmt.Sprintf("trial-%d", i)
}

// NeuronChart builds a line chart of one neuron with a series per trial.
// Events appear as vertical mark lines.
func (tr Traces) NeuronChart(neuron int) (*charts.Line, error) {
	if err := tr.check(); err != nil {
		return nil, err
	}
	shape := tr.Tensor.Shape()
	if neuron < 0 || neuron >= shape[1] {
		return nil, fmt.Errorf("neuron %d out of range [0, %d)", neuron, shape[1])
	}

	frames := make([]int, shape[2])
	for i := range frames {
		frames[i] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: tr.Title, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Neuron %d", neuron), Subtitle: tr.Title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(frames)

	for t := 0; t < shape[0]; t++ {
		data := make([]opts.LineData, shape[2])
		for f := range data {
			v := tr.Tensor.At(t, neuron, f)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				// JSON has no NaN; null leaves a gap
				data[f] = opts.LineData{Value: nil}
				continue
			}
			data[f] = opts.LineData{Value: v}
		}
		seriesOpts := []charts.SeriesOpts{charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})}
		if t == 0 {
			for k, ev := range tr.EventFrames {
				seriesOpts = append(seriesOpts, charts.WithMarkLineNameXAxisItemOpts(opts.MarkLineNameXAxisItem{
					Name:  fmt.Sprintf("event %d", k+1),
					XAxis: ev,
				}))
			}
		}
		line.AddSeries(tr.trialName(t), data, seriesOpts...)
	}
	return line, nil
}

// WriteTraces renders one chart per listed neuron as a single HTML page. A
// nil neurons slice renders every neuron.
func WriteTraces(w io.Writer, tr Traces, neurons []int) error {
	if err := tr.check(); err != nil {
		return err
	}
	if neurons == nil {
		n := tr.Tensor.Shape()[1]
		neurons = make([]int, n)
		for i := range neurons {
			neurons[i] = i
		}
	}

	page := components.NewPage().SetPageTitle(tr.Title)
	for _, n := range neurons {
		line, err := tr.NeuronChart(n)
		if err != nil {
			return err
		}
		page.AddCharts(line)
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render traces: %w", err)
	}
	return nil
}
