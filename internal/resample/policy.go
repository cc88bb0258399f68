package resample

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tensoralign/internal/timebase"
)

// Kind names one of the three resampling rules.
type Kind int

const (
	KindInterpolate Kind = iota + 1
	KindStitch
	KindTruncate
)

func (k Kind) String() string {
	switch k {
	case KindInterpolate:
		return "interpolate"
	case KindStitch:
		return "stitch"
	case KindTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Policy is the resampling rule for one interval position. Only the
// constructors below (or ParsePolicy) produce usable values.
//
// Interpolate and Truncate either carry a fixed frame count or are adaptive:
// interpolate(mean) and truncate(min) take their count from the raw interval
// lengths of every trial, see Resolve.
type Policy struct {
	kind      Kind
	frames    int
	adaptive  bool
	fromStart float64
	fromEnd   float64
}

// InterpolateFrames interpolates every trial's interval onto n samples.
func InterpolateFrames(n int) (Policy, error) {
	if n < 2 {
		return Policy{}, &timebase.ConfigurationError{Field: "interpolate", Reason: fmt.Sprintf("need at least 2 frames, got %d", n)}
	}
	return Policy{kind: KindInterpolate, frames: n}, nil
}

// InterpolateMean interpolates onto the rounded mean raw interval length.
func InterpolateMean() Policy {
	return Policy{kind: KindInterpolate, adaptive: true}
}

// StitchSeconds keeps fromStart seconds after the interval start and fromEnd
// seconds before its end.
func StitchSeconds(fromStart, fromEnd float64) (Policy, error) {
	for _, v := range []float64{fromStart, fromEnd} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return Policy{}, &timebase.ConfigurationError{Field: "stitch", Reason: fmt.Sprintf("seconds must be finite and > 0, got %v", v)}
		}
	}
	return Policy{kind: KindStitch, fromStart: fromStart, fromEnd: fromEnd}, nil
}

// TruncateFrames keeps at most n frames from the interval start. The count
// shrinks to the shortest trial's interval when that is smaller than n.
func TruncateFrames(n int) (Policy, error) {
	if n < 1 {
		return Policy{}, &timebase.ConfigurationError{Field: "truncate", Reason: fmt.Sprintf("need at least 1 frame, got %d", n)}
	}
	return Policy{kind: KindTruncate, frames: n}, nil
}

// TruncateMin keeps as many frames as the shortest trial's interval.
func TruncateMin() Policy {
	return Policy{kind: KindTruncate, adaptive: true}
}

// Kind returns the rule.
func (p Policy) Kind() Kind { return p.kind }

// Frames returns the fixed frame count, 0 for adaptive or stitch policies.
func (p Policy) Frames() int { return p.frames }

// Adaptive reports whether the frame count still depends on trial statistics.
func (p Policy) Adaptive() bool { return p.adaptive }

// Seconds returns the stitch durations.
func (p Policy) Seconds() (fromStart, fromEnd float64) { return p.fromStart, p.fromEnd }

// Valid reports whether p came from a constructor.
func (p Policy) Valid() bool { return p.kind >= KindInterpolate && p.kind <= KindTruncate }

// StitchFrames converts the stitch durations to frame counts at rate.
// Rounding is half to even.
func (p Policy) StitchFrames(rate float64) (nStart, nEnd int) {
	return int(math.RoundToEven(p.fromStart * rate)), int(math.RoundToEven(p.fromEnd * rate))
}

// OutputFrames is the number of samples a resolved policy yields at rate.
func (p Policy) OutputFrames(rate float64) int {
	if p.kind == KindStitch {
		s, e := p.StitchFrames(rate)
		return s + e
	}
	return p.frames
}

func (p Policy) String() string {
	switch p.kind {
	case KindInterpolate:
		if p.adaptive {
			return "interpolate(mean)"
		}
		return fmt.Sprintf("interpolate(%d)", p.frames)
	case KindStitch:
		return fmt.Sprintf("stitch(%s,%s)", formatSeconds(p.fromStart), formatSeconds(p.fromEnd))
	case KindTruncate:
		if p.adaptive {
			return "truncate(min)"
		}
		return fmt.Sprintf("truncate(%d)", p.frames)
	}
	return "invalid"
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParsePolicy parses the textual form produced by String, e.g.
// "interpolate(mean)", "stitch(2,3.5)" or "truncate(40)". Anything else is a
// configuration error.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return Policy{}, &timebase.ConfigurationError{Field: "policy", Reason: fmt.Sprintf("malformed %q, want name(args)", s)}
	}
	name := strings.TrimSpace(s[:open])
	args := strings.Split(s[open+1:len(s)-1], ",")
	for i := range args {
		args[i] = strings.TrimSuffix(strings.TrimSpace(args[i]), "s")
	}

	switch name {
	case "interpolate":
		if len(args) != 1 {
			break
		}
		if args[0] == "mean" {
			return InterpolateMean(), nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Policy{}, &timebase.ConfigurationError{Field: "interpolate", Reason: fmt.Sprintf("frames %q is not an integer or \"mean\"", args[0])}
		}
		return InterpolateFrames(n)
	case "truncate":
		if len(args) != 1 {
			break
		}
		if args[0] == "min" {
			return TruncateMin(), nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Policy{}, &timebase.ConfigurationError{Field: "truncate", Reason: fmt.Sprintf("frames %q is not an integer or \"min\"", args[0])}
		}
		return TruncateFrames(n)
	case "stitch":
		if len(args) != 2 {
			break
		}
		a, errA := strconv.ParseFloat(args[0], 64)
		b, errB := strconv.ParseFloat(args[1], 64)
		if errA != nil || errB != nil {
			return Policy{}, &timebase.ConfigurationError{Field: "stitch", Reason: fmt.Sprintf("seconds %q must be numbers", s)}
		}
		return StitchSeconds(a, b)
	default:
		return Policy{}, &timebase.ConfigurationError{Field: "policy", Reason: fmt.Sprintf("unknown policy %q", name)}
	}
	return Policy{}, &timebase.ConfigurationError{Field: name, Reason: fmt.Sprintf("wrong number of arguments in %q", s)}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, &timebase.ConfigurationError{Field: "policy", Reason: "zero value"}
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so policies can be read
// straight from JSON or YAML configuration.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Resolve fixes an adaptive policy's frame count from the raw interval lengths
// observed for its position across all trials:
//
//	interpolate(mean) -> round(mean(lengths))
//	truncate(min)     -> min(lengths)
//	truncate(k)       -> min(k, min(lengths))
//
// Fixed interpolate and stitch policies are returned unchanged.
func Resolve(p Policy, lengths []int) (Policy, error) {
	if !p.Valid() {
		return Policy{}, &timebase.ConfigurationError{Field: "policy", Reason: "zero value"}
	}
	if p.kind == KindStitch || (p.kind == KindInterpolate && !p.adaptive) {
		return p, nil
	}
	if len(lengths) == 0 {
		if p.adaptive {
			return Policy{}, &timebase.ConfigurationError{Field: p.kind.String(), Reason: "no trials to derive frame count from"}
		}
		return p, nil
	}

	xs := make([]float64, len(lengths))
	for i, l := range lengths {
		xs[i] = float64(l)
	}

	resolved := p
	resolved.adaptive = false
	switch p.kind {
	case KindInterpolate:
		resolved.frames = int(math.RoundToEven(stat.Mean(xs, nil)))
		if resolved.frames < 2 {
			return Policy{}, &timebase.ConfigurationError{Field: "interpolate", Reason: fmt.Sprintf("mean interval length %d is below 2 frames", resolved.frames)}
		}
	case KindTruncate:
		shortest := int(floats.Min(xs))
		if p.adaptive || shortest < p.frames {
			resolved.frames = shortest
		}
		if resolved.frames < 1 {
			return Policy{}, &timebase.ConfigurationError{Field: "truncate", Reason: "shortest interval is empty"}
		}
	}
	return resolved, nil
}
