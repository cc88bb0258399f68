package resample

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/testutil"
	"github.com/banshee-data/tensoralign/internal/timebase"
)

var t0 = time.Date(2021, 8, 12, 9, 0, 0, 0, time.UTC)

func TestSampleTimes(t *testing.T) {
	tests := []struct {
		name string
		end  time.Duration
		n    int
		want []time.Duration
	}{
		{"exact step appends end", 3 * time.Second, 4, []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second}},
		{"truncated step stops short of end", time.Second, 4, []time.Duration{0, 333333 * time.Microsecond, 666666 * time.Microsecond, 999999 * time.Microsecond}},
		{"zero length span", 0, 3, []time.Duration{0, 0, 0}},
		{"two samples", 5 * time.Second, 2, []time.Duration{0, 5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SampleTimes(t0, t0.Add(tt.end), tt.n)
			require.Len(t, got, tt.n)
			for i, d := range tt.want {
				assert.Equal(t, d, got[i].Sub(t0), "sample %d", i)
			}
		})
	}
}

func TestInterpolate_Ramp(t *testing.T) {
	data := testutil.Ramp(2, 11, 0)

	got, err := Interpolate(data, 4, t0, t0.Add(600*time.Millisecond), 2, 8, 10)
	require.NoError(t, err)
	testutil.AssertDenseNear(t, got, [][]float64{
		{2, 4, 6, 8},
		{4, 8, 12, 16},
	}, 1e-9)

	got, err = Interpolate(data, 5, t0, t0.Add(600*time.Millisecond), 2, 8, 10)
	require.NoError(t, err)
	testutil.AssertDenseNear(t, got, [][]float64{
		{2, 3.5, 5, 6.5, 8},
		{4, 7, 10, 13, 16},
	}, 1e-9)
}

func TestInterpolate_OutputLengthAlwaysN(t *testing.T) {
	data := testutil.Ramp(1, 40, 0)
	for n := 2; n < 25; n++ {
		got, err := Interpolate(data, n, t0, t0.Add(time.Second), 5, 35, 30)
		require.NoError(t, err, "n=%d", n)
		_, c := got.Dims()
		assert.Equal(t, n, c, "n=%d", n)
		assert.InDelta(t, 5.0, got.At(0, 0), 1e-9)
	}
}

func TestInterpolate_RangeError(t *testing.T) {
	data := testutil.Ramp(1, 11, 0)
	_, err := Interpolate(data, 4, t0, t0.Add(time.Second), 2, 8, 10)

	var rangeErr *InterpolationRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 2, rangeErr.Start)
	assert.Equal(t, 8, rangeErr.End)
	assert.Greater(t, rangeErr.Frame, 8.0)
}

func TestInterpolate_SurfacesNaN(t *testing.T) {
	data := testutil.Dense([][]float64{{0, 1, math.NaN(), 3, 4}})
	got, err := Interpolate(data, 5, t0, t0.Add(4*time.Second), 0, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.At(0, 0))
	assert.True(t, math.IsNaN(got.At(0, 2)), "NaN source sample should stay NaN")
}

func TestInterpolate_SingleFrame(t *testing.T) {
	data := testutil.Dense([][]float64{{1, 7, 3}})
	got, err := Interpolate(data, 3, t0, t0, 1, 1, 30)
	require.NoError(t, err)
	testutil.AssertDenseNear(t, got, [][]float64{{7, 7, 7}}, 0)
}

func TestInterpolate_BadArguments(t *testing.T) {
	data := testutil.Ramp(1, 5, 0)

	_, err := Interpolate(data, 1, t0, t0.Add(time.Second), 0, 4, 4)
	var cfgErr *timebase.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Interpolate(data, 3, t0, t0.Add(time.Second), 0, 9, 4)
	assert.ErrorIs(t, err, ErrInvalidSpan)

	_, err = Interpolate(data, 3, t0, t0.Add(time.Second), 0, 4, 0)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStitch(t *testing.T) {
	data := testutil.Dense([][]float64{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{5, 5, 5, 1, 1, 1, 1, 9, 9, 9},
	})

	got, offset, err := Stitch(data, 1.5, 1, 0, 9, 2)
	require.NoError(t, err)
	testutil.AssertDenseNear(t, got, [][]float64{
		{0, 1, 2, 2, 3},
		{5, 5, 5, 5, 5},
	}, 0)
	testutil.AssertFloatsNear(t, offset, []float64{-6, -4}, 0)
}

func TestStitch_SeamMatches(t *testing.T) {
	data := mat.NewDense(3, 60, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 60; c++ {
			data.Set(r, c, math.Sin(float64(c*(r+1))/7)+float64(r))
		}
	}
	got, _, err := Stitch(data, 0.5, 0.75, 10, 55, 20)
	require.NoError(t, err)

	nStart := 10
	for r := 0; r < 3; r++ {
		assert.Equal(t, got.At(r, nStart-1), got.At(r, nStart), "neuron %d seam", r)
	}
	_, c := got.Dims()
	assert.Equal(t, 25, c)
}

func TestStitch_SurfacesNaN(t *testing.T) {
	data := testutil.Ramp(2, 10, 0)
	data.Set(0, 8, math.NaN())

	// 0.2s at 10fps keeps frames 0-1 and 8-9
	got, offset, err := Stitch(data, 0.2, 0.2, 0, 9, 10)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(offset[0]))
	testutil.AssertDenseNear(t, got, [][]float64{
		{0, 1, math.NaN(), math.NaN()},
		{0, 2, 2, 4},
	}, 1e-12)
}

func TestStitch_Insufficient(t *testing.T) {
	data := testutil.Ramp(1, 10, 0)

	_, _, err := Stitch(data, 3, 3, 0, 9, 2)
	var short *InsufficientFramesError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 12, short.Need)
	assert.Equal(t, 10, short.Have)

	// rounds to zero frames
	_, _, err = Stitch(data, 0.1, 1, 0, 9, 2)
	assert.ErrorAs(t, err, &short)
}

func TestTruncate_Length(t *testing.T) {
	data := testutil.Ramp(2, 20, 0)
	for s := 0; s < 10; s++ {
		for k := 1; k <= 10; k++ {
			got, err := Truncate(data, k, s, 19)
			require.NoError(t, err)
			_, c := got.Dims()
			if c != k {
				t.Fatalf("Truncate(k=%d, s=%d) cols = %d", k, s, c)
			}
			assert.Equal(t, float64(s), got.At(0, 0))
		}
	}
}

func TestTruncate_CopiesData(t *testing.T) {
	data := testutil.Ramp(1, 5, 0)
	got, err := Truncate(data, 2, 1, 4)
	require.NoError(t, err)
	got.Set(0, 0, 100)
	assert.Equal(t, 1.0, data.At(0, 1))
}

func TestTruncate_Insufficient(t *testing.T) {
	data := testutil.Ramp(1, 10, 0)
	_, err := Truncate(data, 5, 6, 9)
	var short *InsufficientFramesError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 5, short.Need)
	assert.Equal(t, 4, short.Have)
}

func TestApply(t *testing.T) {
	data := testutil.Ramp(1, 12, 0)
	clock := timebase.MustReference(t0, 0, 10)

	p, _ := InterpolateFrames(4)
	seg, err := Apply(data, p, 2, 8, clock)
	require.NoError(t, err)
	testutil.AssertDenseNear(t, seg.Values, [][]float64{{2, 4, 6, 8}}, 1e-6)
	assert.Nil(t, seg.Offset)

	s, _ := StitchSeconds(0.2, 0.3)
	seg, err = Apply(data, s, 0, 11, clock)
	require.NoError(t, err)
	assert.Equal(t, 5, seg.Frames())
	assert.Len(t, seg.Offset, 1)

	_, err = Apply(data, InterpolateMean(), 0, 11, clock)
	assert.True(t, errors.Is(err, ErrUnresolved))

	_, err = Apply(data, Policy{}, 0, 11, clock)
	var cfgErr *timebase.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
