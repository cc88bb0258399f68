// Package artifact repairs scan-line artifacts in raw imaging frames.
//
// Corrupted frames show up as spikes in the per-frame mean fluorescence.
// Around each spike, rows whose mean is too bright are overwritten with the
// last row values that were judged clean. Brightness is measured on a proxy
// stack (usually the frames with known-bright regions masked to NaN) while
// the repair is applied to the real frames.
package artifact

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/monitoring"
)

// ErrStackMismatch is returned when frames and proxy frames disagree in count
// or dimensions.
var ErrStackMismatch = errors.New("frame stacks do not match")

// Stack is a sequence of frames, each rows x cols.
type Stack []*mat.Dense

// Rect is a half-open pixel rectangle [Row0, Row1) x [Col0, Col1).
type Rect struct {
	Row0, Row1 int
	Col0, Col1 int
}

// Params holds the line-removal thresholds.
type Params struct {
	// LocalMaxThreshold is the minimum frame mean for a candidate frame.
	LocalMaxThreshold float64
	// LocalMaxRadius is how many frames either side a candidate must dominate.
	LocalMaxRadius int
	// ChannelThreshold separates frames of the corrupted colour channel.
	ChannelThreshold float64
	// CorrectionThreshold is the row mean above which a row is replaced.
	CorrectionThreshold float64
	// CorrectionRadius is how many frames either side of a candidate are
	// examined.
	CorrectionRadius int
}

// Summary reports what RemoveLines did.
type Summary struct {
	Candidates       []int `json:"candidates"`
	RowsReplaced     int   `json:"rows_replaced"`
	WindowsCorrected int   `json:"windows_corrected"`
}

// FindLocalMaxima returns, in ascending order, every index whose value is at
// least threshold and no smaller than any value within radius on either side.
// Windows are clamped at the ends of series. Ties on a plateau all qualify.
func FindLocalMaxima(series []float64, threshold float64, radius int) []int {
	if radius < 0 {
		radius = 0
	}
	var out []int
	for i, v := range series {
		if !(v >= threshold) {
			continue
		}
		lo, hi := max(i-radius, 0), min(i+radius, len(series)-1)
		peak := true
		for j := lo; j <= hi; j++ {
			if v < series[j] {
				peak = false
				break
			}
		}
		if peak {
			out = append(out, i)
		}
	}
	return out
}

func nanMean(vals []float64) float64 {
	var sum float64
	var n int
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func frameMean(f *mat.Dense) float64 {
	r, c := f.Dims()
	var sum float64
	var n int
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := f.At(i, j); !math.IsNaN(v) {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// FrameMeans returns the NaN-ignoring mean of every frame.
func FrameMeans(s Stack) []float64 {
	out := make([]float64, len(s))
	for i, f := range s {
		out[i] = frameMean(f)
	}
	return out
}

// NewProxy copies frames and blanks each mask rectangle with NaN so bright
// structures there do not count towards frame or row means.
func NewProxy(frames Stack, masks []Rect) (Stack, error) {
	out := make(Stack, len(frames))
	for i, f := range frames {
		r, c := f.Dims()
		cp := mat.DenseCopyOf(f)
		for _, m := range masks {
			if m.Row0 < 0 || m.Col0 < 0 || m.Row1 > r || m.Col1 > c || m.Row0 >= m.Row1 || m.Col0 >= m.Col1 {
				return nil, fmt.Errorf("mask %+v does not fit %dx%d frame", m, r, c)
			}
			for row := m.Row0; row < m.Row1; row++ {
				for col := m.Col0; col < m.Col1; col++ {
					cp.Set(row, col, math.NaN())
				}
			}
		}
		out[i] = cp
	}
	return out, nil
}

func checkStacks(frames, proxy Stack, lo, hi int) error {
	if len(frames) != len(proxy) {
		return fmt.Errorf("%w: %d frames, %d proxy frames", ErrStackMismatch, len(frames), len(proxy))
	}
	for i := lo; i <= hi; i++ {
		fr, fc := frames[i].Dims()
		pr, pc := proxy[i].Dims()
		if fr != pr || fc != pc {
			return fmt.Errorf("%w: frame %d is %dx%d, proxy %dx%d", ErrStackMismatch, i, fr, fc, pr, pc)
		}
	}
	return nil
}

// CorrectWindow repairs frames[index-radius .. index+radius] in place and
// returns the number of rows replaced. The window is clamped to the stack.
//
// Only frames whose proxy mean exceeds channelThreshold are examined. In
// those, a row whose proxy mean exceeds correctionThreshold is overwritten
// with the last known-good values for that row; any other row becomes the
// new known-good value. The known-good rows start as the frame just before
// the window (or the first window frame at the start of the stack) and carry
// forward through the window.
//
// Windows on the same stack must not be corrected concurrently.
func CorrectWindow(frames, proxy Stack, index int, channelThreshold, correctionThreshold float64, radius int) (int, error) {
	if index < 0 || index >= len(frames) {
		return 0, fmt.Errorf("candidate frame %d outside stack of %d", index, len(frames))
	}
	if radius < 0 {
		return 0, fmt.Errorf("correction radius must be >= 0, got %d", radius)
	}
	lo, hi := max(index-radius, 0), min(index+radius, len(frames)-1)
	if err := checkStacks(frames, proxy, lo, hi); err != nil {
		return 0, err
	}

	seed := lo
	if lo > 0 {
		seed = lo - 1
	}
	rows, cols := frames[seed].Dims()
	known := mat.DenseCopyOf(frames[seed])

	replaced := 0
	rowBuf := make([]float64, cols)
	for i := lo; i <= hi; i++ {
		if r, c := frames[i].Dims(); r != rows || c != cols {
			return replaced, fmt.Errorf("%w: frame %d is %dx%d, window expects %dx%d", ErrStackMismatch, i, r, c, rows, cols)
		}
		if !(frameMean(proxy[i]) > channelThreshold) {
			continue
		}
		for j := 0; j < rows; j++ {
			mat.Row(rowBuf, j, proxy[i])
			if nanMean(rowBuf) > correctionThreshold {
				frames[i].SetRow(j, known.RawRowView(j))
				replaced++
				continue
			}
			known.SetRow(j, frames[i].RawRowView(j))
		}
	}
	monitoring.Debugf("artifact window %d [%d, %d]: %d rows replaced", index, lo, hi, replaced)
	return replaced, nil
}

// RemoveLines finds candidate artifact frames from the proxy's frame means
// and corrects the window around each one, in order.
func RemoveLines(frames, proxy Stack, p Params) (Summary, error) {
	if len(frames) != len(proxy) {
		return Summary{}, fmt.Errorf("%w: %d frames, %d proxy frames", ErrStackMismatch, len(frames), len(proxy))
	}
	var s Summary
	s.Candidates = FindLocalMaxima(FrameMeans(proxy), p.LocalMaxThreshold, p.LocalMaxRadius)
	for _, idx := range s.Candidates {
		n, err := CorrectWindow(frames, proxy, idx, p.ChannelThreshold, p.CorrectionThreshold, p.CorrectionRadius)
		if err != nil {
			return s, fmt.Errorf("correct window at frame %d: %w", idx, err)
		}
		s.RowsReplaced += n
		if n > 0 {
			s.WindowsCorrected++
		}
	}
	monitoring.Logf("line removal: %d candidate frames, %d rows replaced", len(s.Candidates), s.RowsReplaced)
	return s, nil
}
