// Package timebase converts between wall-clock timestamps and frame indices
// for a single recording stream.
//
// Every stream (imaging or behavioral) owns one Reference: a frame rate and a
// (time, frame) anchor. Conversions are pure and never fail once the
// Reference has been built, so validation happens in NewReference only.
package timebase

import (
	"fmt"
	"math"
	"time"
)

// ConfigurationError reports a setup value that cannot describe a valid
// alignment. It is returned before any data is touched.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Reference anchors a stream's clock: frame Frame was captured at Time and
// frames advance at Rate frames per second. The zero value is not usable.
type Reference struct {
	time  time.Time
	frame int
	rate  float64
}

// NewReference validates and builds a Reference.
func NewReference(t time.Time, frame int, rate float64) (Reference, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return Reference{}, &ConfigurationError{Field: "frame_rate", Reason: fmt.Sprintf("must be finite and > 0, got %v", rate)}
	}
	if t.IsZero() {
		return Reference{}, &ConfigurationError{Field: "reference_time", Reason: "must be set"}
	}
	return Reference{time: t, frame: frame, rate: rate}, nil
}

// MustReference is NewReference for fixtures and tests; it panics on error.
func MustReference(t time.Time, frame int, rate float64) Reference {
	ref, err := NewReference(t, frame, rate)
	if err != nil {
		panic(err)
	}
	return ref
}

// Time returns the anchor timestamp.
func (r Reference) Time() time.Time { return r.time }

// Frame returns the anchor frame index.
func (r Reference) Frame() int { return r.frame }

// Rate returns the frame rate in frames per second.
func (r Reference) Rate() float64 { return r.rate }

// Valid reports whether r was built by NewReference.
func (r Reference) Valid() bool { return r.rate > 0 }

// Rebase returns a Reference on the same clock anchored at frame.
func (r Reference) Rebase(frame int) Reference {
	return Reference{time: FrameToTime(float64(frame), r), frame: frame, rate: r.rate}
}

func (r Reference) String() string {
	return fmt.Sprintf("frame %d @ %s (%.4g fps)", r.frame, r.time.Format(time.RFC3339Nano), r.rate)
}

// TimeToFrame returns the (possibly fractional) frame index at which t falls
// on ref's clock. Callers pick their own rounding.
func TimeToFrame(t time.Time, ref Reference) float64 {
	elapsed := t.Sub(ref.time).Seconds()
	return float64(ref.frame) + elapsed*ref.rate
}

// FrameToTime returns the timestamp of a (possibly fractional) frame on ref's
// clock, rounded to the nearest microsecond.
func FrameToTime(frame float64, ref Reference) time.Time {
	seconds := (frame - float64(ref.frame)) / ref.rate
	offset := time.Duration(math.Round(seconds*1e6)) * time.Microsecond
	return ref.time.Add(offset)
}

// AddFrames returns the time reached after advancing frames frames at rate
// from start. The elapsed time is truncated to whole microseconds.
func AddFrames(start time.Time, frames int, rate float64) time.Time {
	micros := int64(float64(frames) / rate * 1e6)
	return start.Add(time.Duration(micros) * time.Microsecond)
}

// Convert maps a frame on one clock onto another clock through wall time.
func Convert(frame float64, from, to Reference) float64 {
	return TimeToFrame(FrameToTime(frame, from), to)
}
