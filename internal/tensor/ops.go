package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalize z-scores every lane along axis using the sample standard
// deviation. NaN results (constant or single-sample lanes) become 0; this is
// the only place the pipeline suppresses non-finite values.
func Normalize(a *Array, axis int) (*Array, error) {
	if err := a.checkAxis(axis); err != nil {
		return nil, err
	}
	out := a.Clone()
	vals := make([]float64, a.shape[axis])
	a.lanes(axis, func(offsets []int) {
		for k, off := range offsets {
			vals[k] = a.data[off]
		}
		if len(vals) > 0 && floats.Max(vals) == floats.Min(vals) {
			// a constant lane; rounding in the mean must not leak through
			for _, off := range offsets {
				out.data[off] = 0
			}
			return
		}
		mean, std := stat.MeanStdDev(vals, nil)
		for _, off := range offsets {
			z := (a.data[off] - mean) / std
			if math.IsNaN(z) {
				z = 0
			}
			out.data[off] = z
		}
	})
	return out, nil
}

// MinMax rescales every lane along axis to [0, 1]. A lane with zero range
// maps to 0, matching Normalize's treatment of constant lanes.
func MinMax(a *Array, axis int) (*Array, error) {
	if err := a.checkAxis(axis); err != nil {
		return nil, err
	}
	out := a.Clone()
	if a.shape[axis] == 0 {
		return out, nil
	}
	vals := make([]float64, a.shape[axis])
	a.lanes(axis, func(offsets []int) {
		for k, off := range offsets {
			vals[k] = a.data[off]
		}
		lo, hi := floats.Min(vals), floats.Max(vals)
		span := hi - lo
		for _, off := range offsets {
			if span == 0 {
				out.data[off] = 0
				continue
			}
			out.data[off] = (a.data[off] - lo) / span
		}
	})
	return out, nil
}

// CenteredTrialAverage averages over trialAxis and then subtracts from each
// neuron its mean across every remaining axis, so each neuron's trial average
// sums to zero. The result has trialAxis removed.
func CenteredTrialAverage(a *Array, trialAxis, neuronAxis int) (*Array, error) {
	if err := a.checkAxis(trialAxis); err != nil {
		return nil, err
	}
	if err := a.checkAxis(neuronAxis); err != nil {
		return nil, err
	}
	if trialAxis == neuronAxis {
		return nil, fmt.Errorf("%w: trial and neuron axes are both %d", ErrShape, trialAxis)
	}

	avg, err := a.Mean(trialAxis)
	if err != nil {
		return nil, err
	}
	// removing the trial axis shifts every later axis down by one
	if trialAxis < neuronAxis {
		neuronAxis--
	}

	outer := product(avg.shape[:neuronAxis])
	neurons := avg.shape[neuronAxis]
	inner := product(avg.shape[neuronAxis+1:])
	count := float64(outer * inner)

	for n := 0; n < neurons; n++ {
		var sum float64
		for o := 0; o < outer; o++ {
			base := (o*neurons + n) * inner
			sum += floats.Sum(avg.data[base : base+inner])
		}
		mean := sum / count
		for o := 0; o < outer; o++ {
			base := (o*neurons + n) * inner
			floats.AddConst(-mean, avg.data[base:base+inner])
		}
	}
	return avg, nil
}
