package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/framemeta"
	"github.com/banshee-data/tensoralign/internal/monitoring"
	"github.com/banshee-data/tensoralign/internal/resample"
	"github.com/banshee-data/tensoralign/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func descriptions(n int, rate float64) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("frameNumbers = %d\nframeTimestamps_sec = %.6f\nepoch = [2023 4 12 10 30 0]\n", i+1, float64(i)/rate)
	}
	return out
}

func ramp(neurons, frames int, offset float64) [][]float64 {
	out := make([][]float64, neurons)
	for n := range out {
		out[n] = make([]float64, frames)
		for f := range out[n] {
			out[n][f] = float64(f*(n+1)) + offset
		}
	}
	return out
}

func sample() *Dataset {
	return &Dataset{
		Name: "session",
		Trials: []TrialSpec{
			{
				Name:     "A",
				Output:   "hit",
				Behavior: ClockSpec{Time: "2023-04-12T10:30:00.000000"},
				Events:   []int{20},
				Imaging:  ClockSpec{Time: "2023-04-12T10:30:00.000000", Rate: 15},
				Values:   ramp(2, 11, 0),
			},
			{
				Name:              "B",
				Behavior:          ClockSpec{Time: "2023-04-12T10:30:00.000000", Rate: 60},
				Events:            []int{12},
				FrameDescriptions: descriptions(11, 15),
				Values:            ramp(2, 11, 100),
			},
		},
	}
}

func TestReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, sample()))

	ds, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "session", ds.Name)
	require.Len(t, ds.Trials, 2)
	assert.Equal(t, []int{12}, ds.Trials[1].Events)
	assert.Len(t, ds.Trials[1].FrameDescriptions, 11)
}

func TestReadRejects(t *testing.T) {
	_, err := Read(strings.NewReader(`{"name": "x", "trials": []}`))
	assert.True(t, errors.Is(err, ErrEmpty), "Read() = %v, want ErrEmpty", err)

	_, err = Read(strings.NewReader(`{"trials": [`))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, sample()))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	ds, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, ds.Trials, 2)

	_, err = Load(filepath.Join(dir, "session.mat"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	trials, kept, err := sample().Build(Options{BehaviorRate: 60, ImagingRate: 30})
	require.NoError(t, err)
	assert.Nil(t, kept)
	require.Len(t, trials, 2)

	a := trials[0]
	assert.Equal(t, 60.0, a.Behavior.Rate(), "behavior rate falls back to the option")
	assert.Equal(t, 15.0, a.Imaging.Clock.Rate())
	assert.Equal(t, 2, a.Imaging.Neurons())
	assert.Equal(t, 11, a.Imaging.Frames())
	assert.Equal(t, "hit", a.Output)
	assert.Empty(t, trials[1].Output)

	b := trials[1]
	assert.InDelta(t, 15.0, b.Imaging.Clock.Rate(), 1e-3, "rate estimated from frame timestamps")
	assert.Equal(t, 0, b.Imaging.Clock.Frame())
	assert.Equal(t, 2023, b.Imaging.Clock.Time().Year())
}

func TestBuildAligns(t *testing.T) {
	trials, _, err := sample().Build(Options{BehaviorRate: 60, ImagingRate: 30})
	require.NoError(t, err)

	trunc, err := resample.TruncateFrames(3)
	require.NoError(t, err)
	interp, err := resample.InterpolateFrames(4)
	require.NoError(t, err)

	res, err := align.Align(context.Background(), align.Config{Policies: []resample.Policy{trunc, interp}}, trials)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 7}, res.Tensor.Shape())
	assert.Equal(t, []string{"hit", ""}, res.Outputs)
}

func TestBuildSkipsBadDescriptions(t *testing.T) {
	ds := sample()
	ds.Trials[1].FrameDescriptions[0] = "garbage"
	trials, _, err := ds.Build(Options{BehaviorRate: 60, ImagingRate: 30})
	require.NoError(t, err)
	// anchored through the first parsed frame, then moved back to frame 0
	clock := trials[1].Imaging.Clock
	assert.Equal(t, 0, clock.Frame())
	assert.True(t, clock.Time().Equal(time.Date(2023, 4, 12, 10, 30, 0, 0, time.UTC)), "anchor = %v", clock.Time())
}

func TestBuildFiltersBySNR(t *testing.T) {
	ds := sample()
	ds.SNR = []float64{1, 3}
	trials, kept, err := ds.Build(Options{BehaviorRate: 60, ImagingRate: 30, SNRThreshold: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, kept)
	for _, tr := range trials {
		assert.Equal(t, 1, tr.Imaging.Neurons())
	}
	testutil.AssertFloatsNear(t, trials[0].Imaging.Values.RawRowView(0)[:3], []float64{0, 2, 4}, 0)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Dataset)
	}{
		{"behavior time", func(ds *Dataset) { ds.Trials[0].Behavior.Time = "yesterday" }},
		{"no imaging clock", func(ds *Dataset) { ds.Trials[0].Imaging = ClockSpec{} }},
		{"ragged values", func(ds *Dataset) { ds.Trials[0].Values[1] = ds.Trials[0].Values[1][:4] }},
		{"empty values", func(ds *Dataset) { ds.Trials[0].Values = nil }},
		{"all descriptions bad", func(ds *Dataset) {
			for i := range ds.Trials[1].FrameDescriptions {
				ds.Trials[1].FrameDescriptions[i] = "nothing here"
			}
		}},
		{"snr length", func(ds *Dataset) { ds.SNR = []float64{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := sample()
			tt.mutate(ds)
			_, _, err := ds.Build(Options{BehaviorRate: 60, ImagingRate: 30})
			assert.Error(t, err)
		})
	}
}

func TestBuildBadDescriptionsAreMetadataErrors(t *testing.T) {
	ds := sample()
	for i := range ds.Trials[1].FrameDescriptions {
		ds.Trials[1].FrameDescriptions[i] = "epoch = [2023 4 12 10 30 0]"
	}
	_, _, err := ds.Build(Options{BehaviorRate: 60, ImagingRate: 30})
	var me *framemeta.MetadataParseError
	assert.ErrorAs(t, err, &me)
}
