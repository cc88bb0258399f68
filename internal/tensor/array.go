// Package tensor holds the dense N-d array the aligner produces and the
// normalisation helpers applied to it before decomposition.
//
// Arrays are row-major. The aligner emits shape [trials, neurons, time].
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrShape reports an index, axis or data length that does not fit an Array.
var ErrShape = errors.New("tensor shape")

// Array is a dense row-major N-d array of float64.
type Array struct {
	shape   []int
	strides []int
	data    []float64
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// New returns a zero-filled array. It panics on a negative dimension.
func New(shape ...int) *Array {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	s := append([]int(nil), shape...)
	return &Array{shape: s, strides: stridesFor(s), data: make([]float64, product(s))}
}

// FromSlice wraps data (not copied) in an array of the given shape.
func FromSlice(data []float64, shape ...int) (*Array, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
	}
	if product(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values do not fill %v", ErrShape, len(data), shape)
	}
	s := append([]int(nil), shape...)
	return &Array{shape: s, strides: stridesFor(s), data: data}, nil
}

// Stack stacks equally sized matrices along a new leading axis, giving
// shape [len(ms), rows, cols].
func Stack(ms []*mat.Dense) (*Array, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	r, c := ms[0].Dims()
	out := New(len(ms), r, c)
	for i, m := range ms {
		mr, mc := m.Dims()
		if mr != r || mc != c {
			return nil, fmt.Errorf("%w: matrix %d is %dx%d, want %dx%d", ErrShape, i, mr, mc, r, c)
		}
		base := i * r * c
		for row := 0; row < r; row++ {
			mat.Row(out.data[base+row*c:base+(row+1)*c], row, m)
		}
	}
	return out, nil
}

// Shape returns a copy of the dimensions.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// NDim returns the number of axes.
func (a *Array) NDim() int { return len(a.shape) }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.data) }

// Data exposes the backing slice in row-major order.
func (a *Array) Data() []float64 { return a.data }

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d axes", len(idx), len(a.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= a.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, a.shape))
		}
		off += v * a.strides[i]
	}
	return off
}

// At returns the element at idx.
func (a *Array) At(idx ...int) float64 { return a.data[a.offset(idx)] }

// Set stores v at idx.
func (a *Array) Set(v float64, idx ...int) { a.data[a.offset(idx)] = v }

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{
		shape:   append([]int(nil), a.shape...),
		strides: append([]int(nil), a.strides...),
		data:    append([]float64(nil), a.data...),
	}
}

func (a *Array) checkAxis(axis int) error {
	if axis < 0 || axis >= len(a.shape) {
		return fmt.Errorf("%w: axis %d out of range for %d axes", ErrShape, axis, len(a.shape))
	}
	return nil
}

// lanes calls fn with the flat offsets of every 1-D run along axis. The
// offsets slice is reused between calls.
func (a *Array) lanes(axis int, fn func(offsets []int)) {
	outer := product(a.shape[:axis])
	n := a.shape[axis]
	inner := product(a.shape[axis+1:])
	offsets := make([]int, n)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			for k := 0; k < n; k++ {
				offsets[k] = (o*n+k)*inner + i
			}
			fn(offsets)
		}
	}
}

// Mean averages along axis, returning an array with that axis removed.
func (a *Array) Mean(axis int) (*Array, error) {
	if err := a.checkAxis(axis); err != nil {
		return nil, err
	}
	shape := make([]int, 0, len(a.shape)-1)
	shape = append(shape, a.shape[:axis]...)
	shape = append(shape, a.shape[axis+1:]...)
	out := New(shape...)

	vals := make([]float64, a.shape[axis])
	pos := 0
	a.lanes(axis, func(offsets []int) {
		for k, off := range offsets {
			vals[k] = a.data[off]
		}
		out.data[pos] = stat.Mean(vals, nil)
		pos++
	})
	return out, nil
}

// Transpose returns a copy with axes permuted so that new axis i is old
// axis order[i].
func (a *Array) Transpose(order ...int) (*Array, error) {
	if len(order) != len(a.shape) {
		return nil, fmt.Errorf("%w: permutation %v for %d axes", ErrShape, order, len(a.shape))
	}
	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, ax := range order {
		if ax < 0 || ax >= len(order) || seen[ax] {
			return nil, fmt.Errorf("%w: %v is not a permutation", ErrShape, order)
		}
		seen[ax] = true
		shape[i] = a.shape[ax]
	}
	out := New(shape...)
	idx := make([]int, len(shape))
	for flat := range out.data {
		rem := flat
		src := 0
		for i := range shape {
			idx[i] = rem / out.strides[i]
			rem %= out.strides[i]
			src += idx[i] * a.strides[order[i]]
		}
		out.data[flat] = a.data[src]
	}
	return out, nil
}

// Matrix copies the 2-D slice a[i, :, :] of a 3-D array.
func (a *Array) Matrix(i int) (*mat.Dense, error) {
	if len(a.shape) != 3 {
		return nil, fmt.Errorf("%w: Matrix needs 3 axes, have %d", ErrShape, len(a.shape))
	}
	if i < 0 || i >= a.shape[0] {
		return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrShape, i, a.shape[0])
	}
	r, c := a.shape[1], a.shape[2]
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("%w: empty %dx%d slice", ErrShape, r, c)
	}
	data := append([]float64(nil), a.data[i*r*c:(i+1)*r*c]...)
	return mat.NewDense(r, c, data), nil
}
