package artifact

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestFindLocalMaxima(t *testing.T) {
	tests := []struct {
		name      string
		data      []float64
		threshold float64
		radius    int
		want      []int
	}{
		{"two peaks", []float64{0, 5, 10, 5, 0, 0, 8, 0}, 4, 1, []int{2, 6}},
		{"threshold excludes small peak", []float64{0, 5, 10, 5, 0, 0, 8, 0}, 9, 1, []int{2}},
		{"wider radius", []float64{0, 5, 10, 5, 0, 0, 8, 0}, 4, 4, []int{2}},
		{"plateau ties", []float64{1, 7, 7, 1}, 5, 1, []int{1, 2}},
		{"clamped at left edge", []float64{9, 1, 1}, 5, 2, []int{0}},
		{"clamped at right edge", []float64{1, 1, 9}, 5, 2, []int{2}},
		{"radius zero", []float64{3, 6, 2}, 3, 0, []int{0, 1}},
		{"nothing above threshold", []float64{1, 2, 3}, 10, 1, nil},
		{"nan never qualifies", []float64{math.NaN(), 5, 1}, 1, 1, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindLocalMaxima(tt.data, tt.threshold, tt.radius)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FindLocalMaxima() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func constFrame(rows, cols int, v float64) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, v)
		}
	}
	return m
}

// stack of 7 frames, 3x2 each; frame f row r holds 10*f + r, and the frames
// listed in bright get row 1 raised to 500
func testStack(bright ...int) Stack {
	s := make(Stack, 7)
	for f := range s {
		m := mat.NewDense(3, 2, nil)
		for r := 0; r < 3; r++ {
			for c := 0; c < 2; c++ {
				m.Set(r, c, float64(10*f+r))
			}
		}
		s[f] = m
	}
	for _, f := range bright {
		s[f].SetRow(1, []float64{500, 500})
	}
	return s
}

func TestCorrectWindow_CarriesKnownGoodForward(t *testing.T) {
	frames := testStack(3, 4)
	proxy := make(Stack, len(frames))
	for i, f := range frames {
		proxy[i] = mat.DenseCopyOf(f)
	}

	n, err := CorrectWindow(frames, proxy, 3, -1, 200, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// rows 0 and 2 untouched
	assert.Equal(t, 30.0, frames[3].At(0, 0))
	assert.Equal(t, 42.0, frames[4].At(2, 1))
	// bright row 1 of frames 3 and 4 takes frame 2's row 1 (last good)
	assert.Equal(t, []float64{21, 21}, frames[3].RawRowView(1))
	assert.Equal(t, []float64{21, 21}, frames[4].RawRowView(1))
	// outside the window nothing changes
	assert.Equal(t, 61.0, frames[6].At(1, 0))
}

func TestCorrectWindow_SeedsFromPrecedingFrame(t *testing.T) {
	frames := testStack(2)
	proxy := make(Stack, len(frames))
	for i, f := range frames {
		proxy[i] = mat.DenseCopyOf(f)
	}

	// window [2, 4]; frame 2 is bright, so row 1 comes from frame 1
	_, err := CorrectWindow(frames, proxy, 3, -1, 200, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 11}, frames[2].RawRowView(1))
}

func TestCorrectWindow_ChannelGate(t *testing.T) {
	frames := testStack(3)
	proxy := make(Stack, len(frames))
	for i := range frames {
		proxy[i] = mat.DenseCopyOf(frames[i])
	}
	// proxy frame 3 reads dark, so it is not the corrupted channel
	proxy[3] = constFrame(3, 2, 0)
	proxy[3].SetRow(1, []float64{500, 500})

	n, err := CorrectWindow(frames, proxy, 3, 200, 200, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []float64{500, 500}, frames[3].RawRowView(1))
}

func TestCorrectWindow_ClampsAtStackStart(t *testing.T) {
	frames := testStack(0)
	proxy := make(Stack, len(frames))
	for i := range frames {
		proxy[i] = mat.DenseCopyOf(frames[i])
	}
	// no frame precedes the window, so frame 0 seeds itself and stays bright
	n, err := CorrectWindow(frames, proxy, 0, -1, 200, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []float64{500, 500}, frames[0].RawRowView(1))
}

func TestCorrectWindow_Errors(t *testing.T) {
	frames := testStack()
	_, err := CorrectWindow(frames, frames[:3], 1, 0, 0, 1)
	assert.True(t, errors.Is(err, ErrStackMismatch))

	_, err = CorrectWindow(frames, frames, 9, 0, 0, 1)
	assert.Error(t, err)

	_, err = CorrectWindow(frames, frames, 2, 0, 0, -1)
	assert.Error(t, err)
}

func TestNewProxy(t *testing.T) {
	frames := Stack{constFrame(4, 4, 1)}
	proxy, err := NewProxy(frames, []Rect{{Row0: 0, Row1: 2, Col0: 1, Col1: 3}})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(proxy[0].At(0, 1)))
	assert.True(t, math.IsNaN(proxy[0].At(1, 2)))
	assert.Equal(t, 1.0, proxy[0].At(2, 2))
	assert.Equal(t, 1.0, frames[0].At(0, 1), "source frames must not change")

	_, err = NewProxy(frames, []Rect{{Row0: 0, Row1: 5, Col0: 0, Col1: 1}})
	assert.Error(t, err)
}

func TestFrameMeansIgnoreNaN(t *testing.T) {
	f := mat.NewDense(1, 3, []float64{1, math.NaN(), 3})
	got := FrameMeans(Stack{f, constFrame(1, 1, math.NaN())})
	assert.Equal(t, 2.0, got[0])
	assert.True(t, math.IsNaN(got[1]))
}

func TestRemoveLines(t *testing.T) {
	frames := testStack(3)
	proxy, err := NewProxy(frames, nil)
	require.NoError(t, err)

	sum, err := RemoveLines(frames, proxy, Params{
		LocalMaxThreshold:   100,
		LocalMaxRadius:      2,
		ChannelThreshold:    -1,
		CorrectionThreshold: 200,
		CorrectionRadius:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, sum.Candidates)
	assert.Equal(t, 1, sum.RowsReplaced)
	assert.Equal(t, 1, sum.WindowsCorrected)
	assert.Equal(t, []float64{21, 21}, frames[3].RawRowView(1))
}
