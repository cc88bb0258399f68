// Package resample turns one interval of a neuron x frame grid into a
// segment of a chosen length, by interpolation, stitching or truncation.
//
// All operations take the full grid plus an inclusive [start, end] frame
// range in the source clock. None of them mutates the input, and none of
// them hides non-finite values: NaN in means NaN out.
package resample

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/timebase"
)

// rangeTolerance absorbs the microsecond rounding of sample timestamps when
// they are mapped back to frames.
const rangeTolerance = 1e-3

// Segment is the resampled output for one interval.
type Segment struct {
	Values *mat.Dense
	// Offset is the per-neuron translation applied to the end half of a
	// stitched segment. Nil for the other policies.
	Offset []float64
}

// Frames returns the segment's time length.
func (s Segment) Frames() int {
	if s.Values == nil {
		return 0
	}
	_, c := s.Values.Dims()
	return c
}

func checkSpan(data *mat.Dense, start, end int) error {
	if data == nil {
		return fmt.Errorf("%w: no data", ErrInvalidSpan)
	}
	_, cols := data.Dims()
	if start < 0 || end >= cols || start > end {
		return fmt.Errorf("%w: [%d, %d] with %d frames", ErrInvalidSpan, start, end, cols)
	}
	return nil
}

// SampleTimes returns n timestamps from tStart stepping by
// (tEnd-tStart)/(n-1), truncated to whole microseconds. Generation is half
// open, so tEnd is appended when the sequence comes up one short.
func SampleTimes(tStart, tEnd time.Time, n int) []time.Time {
	if n < 2 {
		return []time.Time{tStart}[:max(n, 0)]
	}
	unit := (tEnd.Sub(tStart) / time.Duration(n-1)).Truncate(time.Microsecond)
	times := make([]time.Time, 0, n)
	if unit > 0 {
		for t := tStart; t.Before(tEnd) && len(times) < n; t = t.Add(unit) {
			times = append(times, t)
		}
	}
	// one short is the normal case; a zero-length span fills with tEnd
	for len(times) < n {
		times = append(times, tEnd)
	}
	return times
}

// Interpolate resamples frames [start, end] onto n evenly spaced timestamps
// between tStart and tEnd by linear interpolation. Timestamps are mapped to
// source frames on a clock anchored at (tStart, start) running at rate.
func Interpolate(data *mat.Dense, n int, tStart, tEnd time.Time, start, end int, rate float64) (*mat.Dense, error) {
	if n < 2 {
		return nil, &timebase.ConfigurationError{Field: "interpolate", Reason: fmt.Sprintf("need at least 2 frames, got %d", n)}
	}
	if err := checkSpan(data, start, end); err != nil {
		return nil, err
	}
	ref, err := timebase.NewReference(tStart, start, rate)
	if err != nil {
		return nil, err
	}
	if tEnd.Before(tStart) {
		return nil, &InterpolationRangeError{Frame: timebase.TimeToFrame(tEnd, ref), Start: start, End: end}
	}

	times := SampleTimes(tStart, tEnd, n)
	xs := make([]float64, n)
	for i, t := range times {
		f := timebase.TimeToFrame(t, ref)
		if f < float64(start)-rangeTolerance || f > float64(end)+rangeTolerance {
			return nil, &InterpolationRangeError{Frame: f, Start: start, End: end}
		}
		xs[i] = math.Min(math.Max(f, float64(start)), float64(end))
	}

	rows, _ := data.Dims()
	out := mat.NewDense(rows, n, nil)

	if start == end {
		// a single source frame: every sample sits on it
		for r := 0; r < rows; r++ {
			v := data.At(r, start)
			for i := range xs {
				out.Set(r, i, v)
			}
		}
		return out, nil
	}

	grid := make([]float64, end-start+1)
	for i := range grid {
		grid[i] = float64(start + i)
	}
	ys := make([]float64, len(grid))
	for r := 0; r < rows; r++ {
		for i := range ys {
			ys[i] = data.At(r, start+i)
		}
		var pl interp.PiecewiseLinear
		if err := pl.Fit(grid, ys); err != nil {
			return nil, fmt.Errorf("fit neuron %d: %w", r, err)
		}
		for i, x := range xs {
			out.Set(r, i, pl.Predict(x))
		}
	}
	return out, nil
}

// Stitch keeps the first round(fromStart*rate) and last round(fromEnd*rate)
// frames of [start, end] and drops the middle. The end half is shifted per
// neuron so that its first sample equals the last sample of the start half.
// The shift is returned alongside the joined grid.
func Stitch(data *mat.Dense, fromStart, fromEnd float64, start, end int, rate float64) (*mat.Dense, []float64, error) {
	p, err := StitchSeconds(fromStart, fromEnd)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSpan(data, start, end); err != nil {
		return nil, nil, err
	}
	nStart, nEnd := p.StitchFrames(rate)
	length := end - start + 1
	if nStart < 1 || nEnd < 1 || nStart+nEnd > length {
		return nil, nil, &InsufficientFramesError{Policy: p.String(), Need: nStart + nEnd, Have: length}
	}

	rows, _ := data.Dims()
	lastKept := start + nStart - 1
	firstEnd := end - nEnd + 1

	offset := make([]float64, rows)
	out := mat.NewDense(rows, nStart+nEnd, nil)
	for r := 0; r < rows; r++ {
		offset[r] = data.At(r, lastKept) - data.At(r, firstEnd)
		for i := 0; i < nStart; i++ {
			out.Set(r, i, data.At(r, start+i))
		}
		seam := data.At(r, firstEnd) + offset[r]
		if !math.IsNaN(offset[r]) && !math.IsInf(offset[r], 0) {
			// a + (b - a) need not round back to b
			seam = data.At(r, lastKept)
		}
		out.Set(r, nStart, seam)
		for i := 1; i < nEnd; i++ {
			out.Set(r, nStart+i, data.At(r, firstEnd+i)+offset[r])
		}
	}
	return out, offset, nil
}

// Truncate returns exactly n frames beginning at start. end bounds the
// interval the frames must come from.
func Truncate(data *mat.Dense, n, start, end int) (*mat.Dense, error) {
	if n < 1 {
		return nil, &timebase.ConfigurationError{Field: "truncate", Reason: fmt.Sprintf("need at least 1 frame, got %d", n)}
	}
	if err := checkSpan(data, start, end); err != nil {
		return nil, err
	}
	if have := end - start + 1; n > have {
		return nil, &InsufficientFramesError{Policy: fmt.Sprintf("truncate(%d)", n), Need: n, Have: have}
	}
	rows, _ := data.Dims()
	return mat.DenseCopyOf(data.Slice(0, rows, start, start+n)), nil
}

// Apply runs a resolved policy over [start, end]. clock is the source
// stream's reference; interpolation times come from it.
func Apply(data *mat.Dense, p Policy, start, end int, clock timebase.Reference) (Segment, error) {
	if !p.Valid() {
		return Segment{}, &timebase.ConfigurationError{Field: "policy", Reason: "zero value"}
	}
	if p.adaptive {
		return Segment{}, fmt.Errorf("%s: %w", p, ErrUnresolved)
	}
	if !clock.Valid() {
		return Segment{}, &timebase.ConfigurationError{Field: "clock", Reason: "reference not initialised"}
	}

	switch p.kind {
	case KindInterpolate:
		tStart := timebase.FrameToTime(float64(start), clock)
		tEnd := timebase.FrameToTime(float64(end), clock)
		v, err := Interpolate(data, p.frames, tStart, tEnd, start, end, clock.Rate())
		return Segment{Values: v}, err
	case KindStitch:
		v, off, err := Stitch(data, p.fromStart, p.fromEnd, start, end, clock.Rate())
		return Segment{Values: v, Offset: off}, err
	default:
		v, err := Truncate(data, p.frames, start, end)
		return Segment{Values: v}, err
	}
}
