package resample

import (
	"errors"
	"fmt"
)

// ErrUnresolved is returned when an adaptive policy reaches Apply before its
// frame count was fixed with Resolve.
var ErrUnresolved = errors.New("policy frame count not resolved")

// ErrInvalidSpan is returned when a frame range does not fit the data.
var ErrInvalidSpan = errors.New("invalid frame span")

// InterpolationRangeError reports a sample position that falls outside the
// interval it should be interpolated from.
type InterpolationRangeError struct {
	Frame      float64
	Start, End int
}

func (e *InterpolationRangeError) Error() string {
	return fmt.Sprintf("interpolation frame %.6f outside interval [%d, %d]", e.Frame, e.Start, e.End)
}

// InsufficientFramesError reports an interval too short for the requested
// number of frames.
type InsufficientFramesError struct {
	Policy string
	Need   int
	Have   int
}

func (e *InsufficientFramesError) Error() string {
	return fmt.Sprintf("%s needs %d frames, interval has %d", e.Policy, e.Need, e.Have)
}
