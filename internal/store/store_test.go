package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/monitoring"
	"github.com/banshee-data/tensoralign/internal/resample"
	"github.com/banshee-data/tensoralign/internal/tensor"
	"github.com/banshee-data/tensoralign/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func setupTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	db.SetClock(clock)
	return db, clock
}

func testResult(t *testing.T) *align.Result {
	t.Helper()
	data := make([]float64, 2*3*4)
	for i := range data {
		data[i] = float64(i) / 3
	}
	data[5] = math.NaN()
	arr, err := tensor.FromSlice(data, 2, 3, 4)
	require.NoError(t, err)

	trunc, err := resample.TruncateFrames(1)
	require.NoError(t, err)
	interp, err := resample.InterpolateFrames(3)
	require.NoError(t, err)
	return &align.Result{
		Tensor:         arr,
		Trials:         []string{"A", "B"},
		Policies:       []resample.Policy{trunc, interp},
		IntervalFrames: []int{1, 3},
		EventFrames:    []int{1},
		Excluded: []*align.TrialError{
			{Trial: "C", Index: 2, Interval: 1, Err: errors.New("not enough frames")},
		},
	}
}

func TestMigrationsApplied(t *testing.T) {
	db, _ := setupTestDB(t)
	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// reopening an up-to-date database is a no-op
	require.NoError(t, db.MigrateUp(MigrationsFS()))
}

func TestMigrateDown(t *testing.T) {
	db, _ := setupTestDB(t)
	require.NoError(t, db.MigrateDown(MigrationsFS()))

	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'run_excluded_trials'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMigrateNilFS(t *testing.T) {
	db, _ := setupTestDB(t)
	assert.Error(t, db.MigrateUp(nil))
}

func TestSaveAndGetRun(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	run, err := db.SaveRun(ctx, "session", testResult(t), nil)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, clock.Now(), run.CreatedAt)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "session", got.Dataset)
	assert.True(t, got.CreatedAt.Equal(clock.Now()), "CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
	assert.Equal(t, 2, got.Trials)
	assert.Equal(t, 3, got.Neurons)
	assert.Equal(t, 4, got.Frames)
	assert.Equal(t, 1, got.Excluded)
	assert.Equal(t, []Interval{
		{Position: 0, Policy: "truncate(1)", Frames: 1},
		{Position: 1, Policy: "interpolate(3)", Frames: 3},
	}, got.Intervals)
	assert.Equal(t, []ExcludedTrial{{Trial: "C", Index: 2, Interval: 1, Error: "not enough frames"}}, got.ExcludedTrials)
}

func TestLoadTensorRoundTrip(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	res := testResult(t)

	run, err := db.SaveRun(ctx, "session", res, nil)
	require.NoError(t, err)

	arr, err := db.LoadTensor(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, arr.Shape())
	want := res.Tensor.Data()
	got := arr.Data()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "data[%d] = %v, want NaN", i, got[i])
			continue
		}
		if got[i] != want[i] {
			t.Errorf("data[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSaveRunRejectsNon3D(t *testing.T) {
	db, _ := setupTestDB(t)
	_, err := db.SaveRun(context.Background(), "x", testResult(t), tensor.New(4))
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestListRunsNewestFirst(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		run, err := db.SaveRun(ctx, name, testResult(t), nil)
		require.NoError(t, err)
		ids = append(ids, run.ID)
		clock.Advance(time.Minute)
	}

	runs, err := db.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "third", runs[0].Dataset)
	assert.Equal(t, ids[0], runs[2].ID)

	runs, err = db.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteRunCascades(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	run, err := db.SaveRun(ctx, "session", testResult(t), nil)
	require.NoError(t, err)
	require.NoError(t, db.DeleteRun(ctx, run.ID))

	_, err = db.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.LoadTensor(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM run_intervals WHERE run_id = ?`, run.ID).Scan(&n))
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, db.DeleteRun(ctx, run.ID), ErrNotFound)
}

func TestDecodeFloatsRejectsTruncatedBlob(t *testing.T) {
	_, err := decodeFloats(make([]byte, 12))
	assert.Error(t, err)

	vals := []float64{0, -1.5, math.Inf(1)}
	got, err := decodeFloats(encodeFloats(vals))
	require.NoError(t, err)
	assert.Equal(t, vals, got)
}
