// Package store persists alignment runs in SQLite so results can be listed
// and reloaded without recomputing them.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/monitoring"
	"github.com/banshee-data/tensoralign/internal/tensor"
	"github.com/banshee-data/tensoralign/internal/timeutil"
)

// ErrNotFound is returned when a run ID has no record.
var ErrNotFound = errors.New("run not found")

type DB struct {
	*sql.DB
	clock timeutil.Clock
}

// NewDB opens (or creates) the database at path and brings its schema up to
// date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises anyway and this keeps in-memory DBs shared
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{DB: sqlDB, clock: timeutil.RealClock{}}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used to stamp new runs.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// Interval is the stored form of one interval position.
type Interval struct {
	Position int    `json:"position"`
	Policy   string `json:"policy"`
	Frames   int    `json:"frames"`
}

// ExcludedTrial is the stored form of a trial dropped from a run.
type ExcludedTrial struct {
	Trial    string `json:"trial"`
	Index    int    `json:"index"`
	Interval int    `json:"interval"`
	Error    string `json:"error"`
}

// Run is a stored alignment.
type Run struct {
	ID        string    `json:"run_id"`
	Dataset   string    `json:"dataset"`
	CreatedAt time.Time `json:"created_at"`
	Trials    int       `json:"trials"`
	Neurons   int       `json:"neurons"`
	Frames    int       `json:"frames"`
	Excluded  int       `json:"excluded"`

	Intervals      []Interval      `json:"intervals,omitempty"`
	ExcludedTrials []ExcludedTrial `json:"excluded_trials,omitempty"`
}

// SaveRun records res and the tensor t (res.Tensor when nil) under a new
// run ID.
func (db *DB) SaveRun(ctx context.Context, dataset string, res *align.Result, t *tensor.Array) (*Run, error) {
	if t == nil {
		t = res.Tensor
	}
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: stored tensors are 3-D, got %v", tensor.ErrShape, shape)
	}
	shapeJSON, err := json.Marshal(shape)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		Dataset:   dataset,
		CreatedAt: db.clock.Now(),
		Trials:    shape[0],
		Neurons:   shape[1],
		Frames:    shape[2],
		Excluded:  len(res.Excluded),
	}
	for k, p := range res.Policies {
		run.Intervals = append(run.Intervals, Interval{Position: k, Policy: p.String(), Frames: res.IntervalFrames[k]})
	}
	for _, e := range res.Excluded {
		run.ExcludedTrials = append(run.ExcludedTrials, ExcludedTrial{Trial: e.Trial, Index: e.Index, Interval: e.Interval, Error: e.Err.Error()})
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, dataset, created_at, trials, neurons, frames, excluded)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, run.CreatedAt.UnixNano(), run.Trials, run.Neurons, run.Frames, run.Excluded,
	); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	for _, iv := range run.Intervals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_intervals (run_id, position, policy, frames) VALUES (?, ?, ?, ?)`,
			run.ID, iv.Position, iv.Policy, iv.Frames,
		); err != nil {
			return nil, fmt.Errorf("failed to insert interval %d: %w", iv.Position, err)
		}
	}
	for _, e := range run.ExcludedTrials {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_excluded_trials (run_id, trial, trial_index, interval_pos, error) VALUES (?, ?, ?, ?, ?)`,
			run.ID, e.Trial, e.Index, e.Interval, e.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to insert excluded trial %q: %w", e.Trial, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tensors (run_id, shape, data) VALUES (?, ?, ?)`,
		run.ID, string(shapeJSON), encodeFloats(t.Data()),
	); err != nil {
		return nil, fmt.Errorf("failed to insert tensor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	monitoring.Logf("stored run %s (%s): %d x %d x %d", run.ID, dataset, run.Trials, run.Neurons, run.Frames)
	return run, nil
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var created int64
	if err := row.Scan(&r.ID, &r.Dataset, &created, &r.Trials, &r.Neurons, &r.Frames, &r.Excluded); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, dataset, created_at, trials, neurons, frames, excluded
		 FROM runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run with its intervals and excluded trials.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT run_id, dataset, created_at, trials, neurons, frames, excluded
		 FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT position, policy, frames FROM run_intervals WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Position, &iv.Policy, &iv.Frames); err != nil {
			return nil, err
		}
		r.Intervals = append(r.Intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exRows, err := db.QueryContext(ctx,
		`SELECT trial, trial_index, interval_pos, error FROM run_excluded_trials WHERE run_id = ? ORDER BY trial_index`, id)
	if err != nil {
		return nil, err
	}
	defer exRows.Close()
	for exRows.Next() {
		var e ExcludedTrial
		if err := exRows.Scan(&e.Trial, &e.Index, &e.Interval, &e.Error); err != nil {
			return nil, err
		}
		r.ExcludedTrials = append(r.ExcludedTrials, e)
	}
	return r, exRows.Err()
}

// LoadTensor returns the tensor stored with a run.
func (db *DB) LoadTensor(ctx context.Context, id string) (*tensor.Array, error) {
	var shapeJSON string
	var blob []byte
	err := db.QueryRowContext(ctx, `SELECT shape, data FROM tensors WHERE run_id = ?`, id).Scan(&shapeJSON, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var shape []int
	if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil {
		return nil, fmt.Errorf("failed to parse tensor shape: %w", err)
	}
	data, err := decodeFloats(blob)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(data, shape...)
}

// DeleteRun removes a run and everything stored with it.
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// encodeFloats packs values as little-endian IEEE 754 doubles.
func encodeFloats(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("tensor blob length %d is not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}
