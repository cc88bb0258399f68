// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the numeric assertions used by the alignment
// packages so tolerance handling stays consistent across test files.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertFloatsNear checks two slices element-wise within tol. NaN matches NaN.
func AssertFloatsNear(t testing.TB, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (got %v)", len(got), len(want), got)
	}
	for i := range got {
		if math.IsNaN(want[i]) && math.IsNaN(got[i]) {
			continue
		}
		if !scalar.EqualWithinAbs(got[i], want[i], tol) {
			t.Errorf("[%d] = %v, want %v (tol %g)", i, got[i], want[i], tol)
		}
	}
}

// AssertDenseNear compares a matrix against row literals within tol.
func AssertDenseNear(t testing.TB, got mat.Matrix, want [][]float64, tol float64) {
	t.Helper()
	r, c := got.Dims()
	if r != len(want) {
		t.Fatalf("rows = %d, want %d", r, len(want))
	}
	for i := range want {
		if c != len(want[i]) {
			t.Fatalf("cols = %d, want %d", c, len(want[i]))
		}
		row := make([]float64, c)
		mat.Row(row, i, got)
		AssertFloatsNear(t, row, want[i], tol)
	}
}

// Dense builds a matrix from row literals.
func Dense(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), c, data)
}

// Ramp returns a neurons x frames matrix where neuron n at frame f holds
// f*(n+1) + offset. Handy for checking interpolation and slicing by eye.
func Ramp(neurons, frames int, offset float64) *mat.Dense {
	m := mat.NewDense(neurons, frames, nil)
	for n := 0; n < neurons; n++ {
		for f := 0; f < frames; f++ {
			m.Set(n, f, float64(f*(n+1))+offset)
		}
	}
	return m
}
