// Package align builds a trial x neuron x time tensor from trials whose
// imaging and behavioral streams run on separate clocks.
//
// An Aligner moves through five states:
//
//	Configuring -> EventsResolved -> IntervalsSliced -> Resampled -> Stacked
//
// Each step may only run from the state before it. Events recorded on the
// behavioral clock are mapped onto imaging frames, the imaging frames are
// split into one interval per policy, each interval is resampled, and the
// intervals are joined and stacked.
package align

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/monitoring"
	"github.com/banshee-data/tensoralign/internal/resample"
	"github.com/banshee-data/tensoralign/internal/tensor"
	"github.com/banshee-data/tensoralign/internal/timebase"
)

// State is a step of the alignment state machine.
type State int

const (
	Configuring State = iota
	EventsResolved
	IntervalsSliced
	Resampled
	Stacked
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case EventsResolved:
		return "events-resolved"
	case IntervalsSliced:
		return "intervals-sliced"
	case Resampled:
		return "resampled"
	case Stacked:
		return "stacked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrorPolicy decides what a per-trial failure does to the run.
type ErrorPolicy int

const (
	// Abort fails the whole alignment on the first trial error.
	Abort ErrorPolicy = iota
	// Exclude drops the failing trial and records it in Result.Excluded.
	Exclude
)

// Config is the immutable alignment setup. Policies holds one entry per
// interval in chronological order.
type Config struct {
	Policies     []resample.Policy
	Workers      int
	OnTrialError ErrorPolicy
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Policies) == 0 {
		return &timebase.ConfigurationError{Field: "policies", Reason: "at least one policy is required"}
	}
	for i, p := range c.Policies {
		if !p.Valid() {
			return &timebase.ConfigurationError{Field: "policies", Reason: fmt.Sprintf("entry %d is not a recognised policy", i)}
		}
	}
	if c.Workers < 0 {
		return &timebase.ConfigurationError{Field: "workers", Reason: fmt.Sprintf("must be >= 0, got %d", c.Workers)}
	}
	if c.OnTrialError != Abort && c.OnTrialError != Exclude {
		return &timebase.ConfigurationError{Field: "on_trial_error", Reason: fmt.Sprintf("unknown value %d", c.OnTrialError)}
	}
	return nil
}

// TimeSeries is a neuron x frame grid on the imaging clock. Column j is
// frame j.
type TimeSeries struct {
	Values *mat.Dense
	Clock  timebase.Reference
}

// Frames returns the number of frames.
func (ts TimeSeries) Frames() int {
	if ts.Values == nil {
		return 0
	}
	_, c := ts.Values.Dims()
	return c
}

// Neurons returns the number of neurons.
func (ts TimeSeries) Neurons() int {
	if ts.Values == nil {
		return 0
	}
	r, _ := ts.Values.Dims()
	return r
}

// Trial is one behavioral session and its imaging slice. Events are frame
// indices on the behavioral clock, strictly increasing.
type Trial struct {
	Name     string
	Behavior timebase.Reference
	Events   []int
	Imaging  TimeSeries
	// Output is an optional outcome label, e.g. "hit" or "baseline".
	Output string
}

// Interval is an inclusive frame span.
type Interval struct {
	Start, End int
}

// Len returns the number of frames in the span.
func (iv Interval) Len() int { return iv.End - iv.Start + 1 }

// Result is a stacked alignment.
type Result struct {
	// Tensor has shape [trials, neurons, time].
	Tensor *tensor.Array
	// Trials names the tensor's leading axis.
	Trials []string
	// Outputs holds each stacked trial's output label, parallel to Trials.
	Outputs []string
	// Policies are the resolved per-interval policies.
	Policies []resample.Policy
	// IntervalFrames is the output length of each interval position.
	IntervalFrames []int
	// EventFrames is where each event falls on the output time axis.
	EventFrames []int
	// Offsets[t][k] is the stitch translation for trial t interval k, nil
	// when that interval was not stitched.
	Offsets [][][]float64
	// Excluded lists trials dropped under the Exclude error policy.
	Excluded []*TrialError
}

// Matching returns the tensor indices of trials whose output label contains
// substr, in stacking order.
func (r *Result) Matching(substr string) []int {
	var idx []int
	for i, out := range r.Outputs {
		if substr != "" && strings.Contains(out, substr) {
			idx = append(idx, i)
		}
	}
	return idx
}

type trialState struct {
	trial     Trial
	index     int
	intervals []Interval
	segments  []resample.Segment
	failed    *TrialError
}

// Aligner runs the alignment state machine. It is not safe for concurrent
// use; parallelism happens inside Resample.
type Aligner struct {
	cfg      Config
	state    State
	trials   []*trialState
	resolved []resample.Policy
	excluded []*TrialError
}

// New validates cfg and returns an Aligner in the Configuring state.
func New(cfg Config) (*Aligner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Policies = append([]resample.Policy(nil), cfg.Policies...)
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Aligner{cfg: cfg}, nil
}

// State returns the current step.
func (a *Aligner) State() State { return a.state }

func (a *Aligner) expect(op string, s State) error {
	if a.state != s {
		return fmt.Errorf("%w: %s needs state %s, aligner is %s", ErrInvalidState, op, s, a.state)
	}
	return nil
}

// AddTrial registers a trial. It fails fast when the trial cannot match the
// configured policies or its clocks and events are unusable.
func (a *Aligner) AddTrial(tr Trial) error {
	if err := a.expect("AddTrial", Configuring); err != nil {
		return err
	}
	if len(tr.Events)+1 != len(a.cfg.Policies) {
		return &PolicyCountMismatch{Trial: tr.Name, Events: len(tr.Events), Policies: len(a.cfg.Policies)}
	}
	if !tr.Behavior.Valid() {
		return &timebase.ConfigurationError{Field: "behavior_clock", Reason: fmt.Sprintf("trial %q has no clock reference", tr.Name)}
	}
	if !tr.Imaging.Clock.Valid() {
		return &timebase.ConfigurationError{Field: "imaging_clock", Reason: fmt.Sprintf("trial %q has no clock reference", tr.Name)}
	}
	if tr.Imaging.Values == nil {
		return &timebase.ConfigurationError{Field: "imaging", Reason: fmt.Sprintf("trial %q has no imaging values", tr.Name)}
	}
	for i := 1; i < len(tr.Events); i++ {
		if tr.Events[i] <= tr.Events[i-1] {
			return &timebase.ConfigurationError{Field: "events", Reason: fmt.Sprintf("trial %q events not strictly increasing at %d", tr.Name, i)}
		}
	}
	tr.Events = append([]int(nil), tr.Events...)
	a.trials = append(a.trials, &trialState{trial: tr, index: len(a.trials)})
	return nil
}

func (a *Aligner) active() []*trialState {
	out := make([]*trialState, 0, len(a.trials))
	for _, ts := range a.trials {
		if ts.failed == nil {
			out = append(out, ts)
		}
	}
	return out
}

// fail records a trial failure and reports whether the run must stop.
func (a *Aligner) fail(ts *trialState, interval int, err error) *TrialError {
	te := &TrialError{Trial: ts.trial.Name, Index: ts.index, Interval: interval, Err: err}
	ts.failed = te
	if a.cfg.OnTrialError == Exclude {
		monitoring.Logf("excluding %v", te)
		a.excluded = append(a.excluded, te)
		return nil
	}
	return te
}

// Boundaries maps a trial's behavioral events onto imaging frames and
// returns the intervals they cut. Event k starts interval k+1; rounding is to
// the nearest frame.
func Boundaries(tr Trial) ([]Interval, error) {
	frames := tr.Imaging.Frames()
	edges := make([]int, 1, len(tr.Events)+1)
	for k, ev := range tr.Events {
		f := timebase.Convert(float64(ev), tr.Behavior, tr.Imaging.Clock)
		b := int(math.Round(f))
		if math.IsNaN(f) || b <= edges[len(edges)-1] || b > frames-1 {
			return nil, &EventRangeError{Event: k, Frame: f, Frames: frames}
		}
		edges = append(edges, b)
	}
	out := make([]Interval, len(edges))
	for k, start := range edges {
		end := frames - 1
		if k+1 < len(edges) {
			end = edges[k+1] - 1
		}
		out[k] = Interval{Start: start, End: end}
	}
	return out, nil
}

// ResolveEvents computes every trial's interval boundaries.
func (a *Aligner) ResolveEvents() error {
	if err := a.expect("ResolveEvents", Configuring); err != nil {
		return err
	}
	if len(a.trials) == 0 {
		return ErrNoTrials
	}
	for _, ts := range a.trials {
		ivs, err := Boundaries(ts.trial)
		if err != nil {
			if te := a.fail(ts, -1, err); te != nil {
				return te
			}
			continue
		}
		ts.intervals = ivs
	}
	if len(a.active()) == 0 {
		return ErrNoTrials
	}
	a.state = EventsResolved
	return nil
}

// SliceIntervals gathers the raw interval lengths at every position across
// trials and fixes the adaptive policies from them. This is the first half
// of the two-phase barrier: no trial is resampled before every length is
// known.
func (a *Aligner) SliceIntervals() error {
	if err := a.expect("SliceIntervals", EventsResolved); err != nil {
		return err
	}
	active := a.active()
	a.resolved = make([]resample.Policy, len(a.cfg.Policies))
	for k, p := range a.cfg.Policies {
		lengths := make([]int, len(active))
		for i, ts := range active {
			lengths[i] = ts.intervals[k].Len()
		}
		rp, err := resample.Resolve(p, lengths)
		if err != nil {
			return fmt.Errorf("interval %d: %w", k, err)
		}
		a.resolved[k] = rp
		monitoring.Debugf("interval %d: %s resolved to %s over lengths %v", k, p, rp, lengths)
	}
	a.state = IntervalsSliced
	return nil
}

func (a *Aligner) resampleTrial(ts *trialState) (int, error) {
	ts.segments = make([]resample.Segment, len(a.resolved))
	for k, p := range a.resolved {
		iv := ts.intervals[k]
		seg, err := resample.Apply(ts.trial.Imaging.Values, p, iv.Start, iv.End, ts.trial.Imaging.Clock)
		if err != nil {
			return k, err
		}
		ts.segments[k] = seg
	}
	return -1, nil
}

// Resample applies the resolved policies to every trial in parallel, at most
// Config.Workers trials at a time, and waits for all of them.
func (a *Aligner) Resample(ctx context.Context) error {
	if err := a.expect("Resample", IntervalsSliced); err != nil {
		return err
	}
	active := a.active()
	type outcome struct {
		interval int
		err      error
	}
	results := make([]outcome, len(active))

	sem := make(chan struct{}, a.cfg.Workers)
	var wg sync.WaitGroup
	for i, ts := range active {
		wg.Add(1)
		go func(i int, ts *trialState) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = outcome{interval: -1, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				results[i] = outcome{interval: -1, err: err}
				return
			}
			k, err := a.resampleTrial(ts)
			results[i] = outcome{interval: k, err: err}
		}(i, ts)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	for i, ts := range active {
		if results[i].err == nil {
			continue
		}
		if te := a.fail(ts, results[i].interval, results[i].err); te != nil {
			return te
		}
	}
	if len(a.active()) == 0 {
		return ErrNoTrials
	}
	a.state = Resampled
	return nil
}

// Stack joins each trial's intervals along time and stacks the trials. Every
// trial must agree on neuron count and on each interval's resampled length;
// any disagreement fails the whole alignment.
func (a *Aligner) Stack() (*Result, error) {
	if err := a.expect("Stack", Resampled); err != nil {
		return nil, err
	}
	active := a.active()
	ref := active[0]
	neurons := ref.trial.Imaging.Neurons()
	want := make([]int, len(a.resolved))
	total := 0
	for k, seg := range ref.segments {
		want[k] = seg.Frames()
		total += want[k]
	}

	for _, ts := range active {
		if n := ts.trial.Imaging.Neurons(); n != neurons {
			return nil, &TensorShapeMismatch{Trial: ts.trial.Name, Axis: "neurons", Got: n, Want: neurons}
		}
		for k, seg := range ts.segments {
			if seg.Frames() != want[k] {
				return nil, &TensorShapeMismatch{Trial: ts.trial.Name, Axis: "interval", Interval: k, Got: seg.Frames(), Want: want[k]}
			}
		}
	}

	res := &Result{
		Trials:         make([]string, 0, len(active)),
		Outputs:        make([]string, 0, len(active)),
		Policies:       append([]resample.Policy(nil), a.resolved...),
		IntervalFrames: want,
		Offsets:        make([][][]float64, 0, len(active)),
		Excluded:       append([]*TrialError(nil), a.excluded...),
	}
	for k := 1; k < len(want); k++ {
		prev := 0
		if k > 1 {
			prev = res.EventFrames[k-2]
		}
		res.EventFrames = append(res.EventFrames, prev+want[k-1])
	}

	joined := make([]*mat.Dense, len(active))
	for i, ts := range active {
		m := mat.NewDense(neurons, total, nil)
		col := 0
		offsets := make([][]float64, len(ts.segments))
		for k, seg := range ts.segments {
			m.Slice(0, neurons, col, col+want[k]).(*mat.Dense).Copy(seg.Values)
			col += want[k]
			offsets[k] = seg.Offset
		}
		joined[i] = m
		res.Trials = append(res.Trials, ts.trial.Name)
		res.Outputs = append(res.Outputs, ts.trial.Output)
		res.Offsets = append(res.Offsets, offsets)
	}

	t, err := tensor.Stack(joined)
	if err != nil {
		return nil, fmt.Errorf("stack trials: %w", err)
	}
	res.Tensor = t
	a.state = Stacked
	monitoring.Logf("aligned %d trials (%d excluded): %d neurons x %d frames", len(active), len(a.excluded), neurons, total)
	return res, nil
}

// Run drives the aligner from Configuring to Stacked.
func (a *Aligner) Run(ctx context.Context) (*Result, error) {
	if err := a.ResolveEvents(); err != nil {
		return nil, fmt.Errorf("resolve events: %w", err)
	}
	if err := a.SliceIntervals(); err != nil {
		return nil, fmt.Errorf("slice intervals: %w", err)
	}
	if err := a.Resample(ctx); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return a.Stack()
}

// Align is a one-shot helper: configure, add every trial and run.
func Align(ctx context.Context, cfg Config, trials []Trial) (*Result, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, tr := range trials {
		if err := a.AddTrial(tr); err != nil {
			return nil, err
		}
	}
	return a.Run(ctx)
}
