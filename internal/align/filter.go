package align

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/timebase"
)

// FilterNeurons keeps the rows of ts whose signal-to-noise ratio reaches
// threshold and returns the kept row indices. NaN ratios never pass.
func FilterNeurons(ts TimeSeries, snr []float64, threshold float64) (TimeSeries, []int, error) {
	if ts.Values == nil {
		return TimeSeries{}, nil, &timebase.ConfigurationError{Field: "imaging", Reason: "no values"}
	}
	rows, cols := ts.Values.Dims()
	if len(snr) != rows {
		return TimeSeries{}, nil, &timebase.ConfigurationError{Field: "snr", Reason: fmt.Sprintf("%d ratios for %d neurons", len(snr), rows)}
	}

	var kept []int
	for i, v := range snr {
		if v >= threshold {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return TimeSeries{}, nil, &timebase.ConfigurationError{Field: "snr_threshold", Reason: fmt.Sprintf("no neuron reaches %g", threshold)}
	}

	out := mat.NewDense(len(kept), cols, nil)
	for i, r := range kept {
		out.SetRow(i, ts.Values.RawRowView(r))
	}
	return TimeSeries{Values: out, Clock: ts.Clock}, kept, nil
}
