// Package dataset reads alignment inputs from JSON documents and writes
// aligned tensors back out.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/framemeta"
	"github.com/banshee-data/tensoralign/internal/monitoring"
	"github.com/banshee-data/tensoralign/internal/timebase"
)

// ErrEmpty is returned for a dataset without trials.
var ErrEmpty = errors.New("dataset has no trials")

// ClockSpec anchors a stream's clock. Time uses framemeta.EpochLayout.
type ClockSpec struct {
	Time  string  `json:"time,omitempty"`
	Frame int     `json:"frame"`
	Rate  float64 `json:"rate,omitempty"`
}

// TrialSpec is one trial as stored on disk. The imaging clock comes from
// Imaging when it carries a time, otherwise from FrameDescriptions.
type TrialSpec struct {
	Name              string      `json:"name"`
	Output            string      `json:"output,omitempty"`
	Behavior          ClockSpec   `json:"behavior"`
	Events            []int       `json:"events"`
	Imaging           ClockSpec   `json:"imaging"`
	FrameDescriptions []string    `json:"frame_descriptions,omitempty"`
	Values            [][]float64 `json:"values"`
}

// Dataset is a session of trials sharing one set of neurons.
type Dataset struct {
	Name string `json:"name"`
	// SNR holds one signal-to-noise ratio per neuron, shared by all trials.
	SNR    []float64   `json:"snr,omitempty"`
	Trials []TrialSpec `json:"trials"`
}

// Options supplies fallbacks for clocks that omit a rate, and the SNR
// threshold applied before alignment.
type Options struct {
	BehaviorRate float64
	ImagingRate  float64
	SNRThreshold float64
}

// Load reads a dataset from a .json file.
func Load(path string) (*Dataset, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("dataset file must have .json extension, got %q", ext)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a dataset from r.
func Read(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}
	if len(ds.Trials) == 0 {
		return nil, ErrEmpty
	}
	return &ds, nil
}

func (c ClockSpec) reference(rate float64) (timebase.Reference, error) {
	t, err := time.Parse(framemeta.EpochLayout, c.Time)
	if err != nil {
		return timebase.Reference{}, &framemeta.MetadataParseError{Field: "time", Value: c.Time, Reason: "not an epoch timestamp", Err: err}
	}
	if c.Rate > 0 {
		rate = c.Rate
	}
	return timebase.NewReference(t, c.Frame, rate)
}

func matrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("values are empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("neuron %d has %d frames, want %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// imagingClock resolves the imaging clock of ts. Unparseable frame
// descriptions are logged and skipped.
func (ts TrialSpec) imagingClock(fallback float64) (timebase.Reference, error) {
	if ts.Imaging.Time != "" {
		return ts.Imaging.reference(fallback)
	}
	if len(ts.FrameDescriptions) == 0 {
		return timebase.Reference{}, &timebase.ConfigurationError{Field: "imaging", Reason: "no clock time and no frame descriptions"}
	}

	times, errs := framemeta.ParseStack(ts.FrameDescriptions)
	bad := 0
	for _, err := range errs {
		if err != nil {
			bad++
			monitoring.Debugf("trial %q: %v", ts.Name, err)
		}
	}
	if bad > 0 {
		monitoring.Logf("trial %q: %d of %d frame descriptions unparseable", ts.Name, bad, len(errs))
	}

	rate := ts.Imaging.Rate
	if rate <= 0 {
		est, err := framemeta.EstimateRate(times)
		if err != nil {
			rate = fallback
		} else {
			rate = est
		}
	}
	ref, err := framemeta.StackReference(times, rate)
	if err != nil {
		return timebase.Reference{}, err
	}
	// column 0 of Values is frame 0 even when its description did not parse
	return ref.Rebase(0), nil
}

// Build converts the dataset into trials ready for alignment, filtering
// neurons by SNR when the dataset carries ratios.
func (ds *Dataset) Build(opts Options) ([]align.Trial, []int, error) {
	var kept []int
	out := make([]align.Trial, 0, len(ds.Trials))
	for i, spec := range ds.Trials {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("trial-%d", i)
			spec.Name = name
		}
		behavior, err := spec.Behavior.reference(opts.BehaviorRate)
		if err != nil {
			return nil, nil, fmt.Errorf("trial %q behavior clock: %w", name, err)
		}
		imaging, err := spec.imagingClock(opts.ImagingRate)
		if err != nil {
			return nil, nil, fmt.Errorf("trial %q imaging clock: %w", name, err)
		}
		values, err := matrix(spec.Values)
		if err != nil {
			return nil, nil, fmt.Errorf("trial %q: %w", name, err)
		}

		series := align.TimeSeries{Values: values, Clock: imaging}
		if len(ds.SNR) > 0 {
			series, kept, err = align.FilterNeurons(series, ds.SNR, opts.SNRThreshold)
			if err != nil {
				return nil, nil, fmt.Errorf("trial %q: %w", name, err)
			}
		}
		out = append(out, align.Trial{Name: name, Output: spec.Output, Behavior: behavior, Events: spec.Events, Imaging: series})
	}
	if kept != nil {
		monitoring.Logf("kept %d of %d neurons at SNR >= %g", len(kept), len(ds.SNR), opts.SNRThreshold)
	}
	return out, kept, nil
}
