// Package framemeta extracts per-frame acquisition timestamps from the
// description text embedded in each imaging frame.
//
// A description carries the acquisition start as
//
//	epoch = [2021,5,26,14,3,7.125]
//
// and the frame's offset from that start as
//
//	frameTimestamps_sec = 12.533
//
// The frame's absolute time is the sum of the two.
package framemeta

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tensoralign/internal/timebase"
)

// EpochLayout is the literal layout a composed epoch must match.
const EpochLayout = "2006-01-02T15:04:05.000000"

var (
	epochRe  = regexp.MustCompile(`\bepoch\s*=\s*([^\r\n]*)`)
	offsetRe = regexp.MustCompile(`\bframeTimestamps_sec\s*=\s*([^\r\n]*)`)
)

// MetadataParseError reports a missing or malformed timestamp field in one
// frame description.
type MetadataParseError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *MetadataParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("frame metadata %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("frame metadata %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *MetadataParseError) Unwrap() error { return e.Err }

// FormatEpoch composes year, month, day, hour, minute and fractional second
// into EpochLayout. Fields below 10 are zero padded and seconds are rounded to
// six decimals.
func FormatEpoch(fields []string) (string, error) {
	if len(fields) != 6 {
		return "", &MetadataParseError{Field: "epoch", Value: strings.Join(fields, ","), Reason: fmt.Sprintf("want 6 fields, got %d", len(fields))}
	}
	var nums [6]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", &MetadataParseError{Field: "epoch", Value: f, Reason: fmt.Sprintf("field %d is not a number", i), Err: err}
		}
		nums[i] = v
	}
	sec := math.Round(nums[5]*1e6) / 1e6
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%09.6f",
		int64(nums[0]), int64(nums[1]), int64(nums[2]), int64(nums[3]), int64(nums[4]), sec), nil
}

// ParseEpoch parses the value of an epoch field, e.g. "[2021,5,26,14,3,7.125]".
// Commas, whitespace or both may separate the fields.
func ParseEpoch(value string) (time.Time, error) {
	trimmed := strings.Trim(strings.TrimSpace(value), "[]()")
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	composed, err := FormatEpoch(fields)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(EpochLayout, composed)
	if err != nil {
		return time.Time{}, &MetadataParseError{Field: "epoch", Value: composed, Reason: "not a valid timestamp", Err: err}
	}
	return t, nil
}

// ParseOffset parses a frameTimestamps_sec value into a duration rounded to
// the nearest microsecond.
func ParseOffset(value string) (time.Duration, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &MetadataParseError{Field: "frameTimestamps_sec", Value: value, Reason: "not a number", Err: err}
	}
	return time.Duration(math.Round(v*1e6)) * time.Microsecond, nil
}

// ParseFrameTime returns the absolute acquisition time of the frame described
// by desc.
func ParseFrameTime(desc string) (time.Time, error) {
	m := epochRe.FindStringSubmatch(desc)
	if m == nil {
		return time.Time{}, &MetadataParseError{Field: "epoch", Reason: "field not found"}
	}
	start, err := ParseEpoch(m[1])
	if err != nil {
		return time.Time{}, err
	}

	m = offsetRe.FindStringSubmatch(desc)
	if m == nil {
		return time.Time{}, &MetadataParseError{Field: "frameTimestamps_sec", Reason: "field not found"}
	}
	offset, err := ParseOffset(m[1])
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(offset), nil
}

// ParseStack parses every description independently. errs[i] is non-nil when
// frame i failed; a failure never stops the remaining frames.
func ParseStack(descs []string) (times []time.Time, errs []error) {
	times = make([]time.Time, len(descs))
	errs = make([]error, len(descs))
	for i, d := range descs {
		t, err := ParseFrameTime(d)
		if err != nil {
			errs[i] = fmt.Errorf("frame %d: %w", i, err)
			continue
		}
		times[i] = t
	}
	return times, errs
}

// StackReference anchors a clock at the first successfully parsed frame.
func StackReference(times []time.Time, rate float64) (timebase.Reference, error) {
	for i, t := range times {
		if !t.IsZero() {
			return timebase.NewReference(t, i, rate)
		}
	}
	return timebase.Reference{}, &MetadataParseError{Field: "epoch", Reason: "no frame carried a usable timestamp"}
}

// EstimateRate fits frame index against elapsed seconds by least squares and
// returns the slope in frames per second. Unparsed (zero) times are skipped.
func EstimateRate(times []time.Time) (float64, error) {
	var first time.Time
	xs := make([]float64, 0, len(times))
	ys := make([]float64, 0, len(times))
	for i, t := range times {
		if t.IsZero() {
			continue
		}
		if first.IsZero() {
			first = t
		}
		xs = append(xs, t.Sub(first).Seconds())
		ys = append(ys, float64(i))
	}
	if len(xs) < 2 {
		return 0, &timebase.ConfigurationError{Field: "frame_rate", Reason: "need at least two timestamped frames to estimate"}
	}
	_, rate := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, &timebase.ConfigurationError{Field: "frame_rate", Reason: fmt.Sprintf("timestamps give non-positive rate %v", rate)}
	}
	return rate, nil
}
