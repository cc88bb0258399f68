package align

import (
	"errors"
	"fmt"

	"github.com/banshee-data/tensoralign/internal/timebase"
)

var (
	// ErrInvalidState is returned when a step is called out of order.
	ErrInvalidState = errors.New("aligner step out of order")
	// ErrNoTrials is returned when no trial is left to stack.
	ErrNoTrials = errors.New("no trials to align")
)

// PolicyCountMismatch reports a trial whose event count does not leave
// exactly one interval per configured policy. It unwraps to a
// *timebase.ConfigurationError.
type PolicyCountMismatch struct {
	Trial    string
	Events   int
	Policies int
}

func (e *PolicyCountMismatch) Error() string {
	return fmt.Sprintf("trial %q: %d events make %d intervals but %d policies are configured",
		e.Trial, e.Events, e.Events+1, e.Policies)
}

func (e *PolicyCountMismatch) Unwrap() error {
	return &timebase.ConfigurationError{Field: "policies", Reason: "count must equal events + 1"}
}

// EventRangeError reports an event that maps outside its trial's imaging
// frames or does not follow the previous event.
type EventRangeError struct {
	Event  int
	Frame  float64
	Frames int
}

func (e *EventRangeError) Error() string {
	return fmt.Sprintf("event %d maps to imaging frame %.3f, outside the open range after the previous boundary in %d frames",
		e.Event, e.Frame, e.Frames)
}

// TrialError ties a failure to the trial, and where relevant the interval
// position, that caused it.
type TrialError struct {
	Trial string
	Index int
	// Interval is the interval position, or -1 for whole-trial failures.
	Interval int
	Err      error
}

func (e *TrialError) Error() string {
	if e.Interval < 0 {
		return fmt.Sprintf("trial %d (%s): %v", e.Index, e.Trial, e.Err)
	}
	return fmt.Sprintf("trial %d (%s) interval %d: %v", e.Index, e.Trial, e.Interval, e.Err)
}

func (e *TrialError) Unwrap() error { return e.Err }

// TensorShapeMismatch reports a trial whose resampled output cannot join a
// rectangular tensor.
type TensorShapeMismatch struct {
	Trial string
	// Axis is "neurons" or "interval".
	Axis     string
	Interval int
	Got      int
	Want     int
}

func (e *TensorShapeMismatch) Error() string {
	if e.Axis == "neurons" {
		return fmt.Sprintf("tensor shape mismatch: trial %q has %d neurons, want %d", e.Trial, e.Got, e.Want)
	}
	return fmt.Sprintf("tensor shape mismatch: trial %q interval %d has %d frames, want %d",
		e.Trial, e.Interval, e.Got, e.Want)
}
