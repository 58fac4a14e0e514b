// Package decodedb persists tuning-curve stores and decode runs to
// sqlite, so a model trained once can be reloaded across sessions and
// decode output queried after the fact. The engine itself never touches
// the database; callers hand finished values in and get them back.
package decodedb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/spikedata/replay.report/internal/decode"
	"github.com/spikedata/replay.report/internal/neuro"
	"github.com/spikedata/replay.report/internal/placefield"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path.
// Run MigrateUp before first use.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{db}, nil
}

// SaveStore writes a tuning-curve store and returns its new ID.
func (db *DB) SaveStore(ctx context.Context, store *placefield.Store) (string, error) {
	id := uuid.New().String()
	cfg := store.Config()
	binning := store.Binning()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tuning_stores (
			store_id, created_at, track_label, run_dir, smooth_bins,
			bin_min, bin_max, bin_width, out_of_range_samples
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), cfg.TrackLabel, cfg.RunDir.String(), cfg.SmoothBins,
		binning.Min, binning.Max, binning.BinWidth, store.OutOfRangeSamples(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert store: %w", err)
	}

	for bin, secs := range store.OccupancySeconds() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_occupancy (store_id, bin_index, seconds) VALUES (?, ?, ?)`,
			id, bin, secs,
		); err != nil {
			return "", fmt.Errorf("failed to insert occupancy bin %d: %w", bin, err)
		}
	}

	for _, unit := range store.Units() {
		curve, _ := store.Curve(unit)
		for bin := range curve.Rates {
			rate := sql.NullFloat64{Float64: curve.Rates[bin], Valid: curve.Valid[bin]}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_curves (store_id, unit_id, bin_index, rate) VALUES (?, ?, ?, ?)`,
				id, string(unit), bin, rate,
			); err != nil {
				return "", fmt.Errorf("failed to insert curve for unit %s: %w", unit, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit store: %w", err)
	}
	return id, nil
}

// LoadStore rebuilds a tuning-curve store by ID.
func (db *DB) LoadStore(ctx context.Context, id string) (*placefield.Store, error) {
	var (
		cfg     placefield.RateMapConfig
		binning neuro.SpatialBinning
		dirName string
		oorc    int
	)
	err := db.QueryRowContext(ctx, `
		SELECT track_label, run_dir, smooth_bins, bin_min, bin_max, bin_width, out_of_range_samples
		FROM tuning_stores WHERE store_id = ?`, id,
	).Scan(&cfg.TrackLabel, &dirName, &cfg.SmoothBins, &binning.Min, &binning.Max, &binning.BinWidth, &oorc)
	if err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", id, err)
	}
	cfg.BinWidth = binning.BinWidth
	if cfg.RunDir, err = neuro.ParseDirection(dirName); err != nil {
		return nil, err
	}

	occ := &placefield.Occupancy{
		Seconds:           make([]float64, binning.NBins()),
		Binning:           binning,
		OutOfRangeSamples: oorc,
	}
	rows, err := db.QueryContext(ctx,
		`SELECT bin_index, seconds FROM store_occupancy WHERE store_id = ? ORDER BY bin_index`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load occupancy: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bin int
		var secs float64
		if err := rows.Scan(&bin, &secs); err != nil {
			return nil, fmt.Errorf("failed to scan occupancy row: %w", err)
		}
		if bin < 0 || bin >= len(occ.Seconds) {
			return nil, fmt.Errorf("occupancy bin %d out of range for store %s", bin, id)
		}
		occ.Seconds[bin] = secs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	curves, err := db.loadCurves(ctx, id, binning.NBins())
	if err != nil {
		return nil, err
	}
	return placefield.NewStore(binning, occ, curves, cfg)
}

func (db *DB) loadCurves(ctx context.Context, storeID string, nBins int) (map[neuro.UnitID]placefield.TuningCurve, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT unit_id, bin_index, rate FROM store_curves WHERE store_id = ? ORDER BY unit_id, bin_index`, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load curves: %w", err)
	}
	defer rows.Close()

	curves := make(map[neuro.UnitID]placefield.TuningCurve)
	for rows.Next() {
		var unit string
		var bin int
		var rate sql.NullFloat64
		if err := rows.Scan(&unit, &bin, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan curve row: %w", err)
		}
		id := neuro.UnitID(unit)
		c, ok := curves[id]
		if !ok {
			c = placefield.TuningCurve{Rates: nanSlice(nBins), Valid: make([]bool, nBins)}
		}
		if bin < 0 || bin >= nBins {
			return nil, fmt.Errorf("curve bin %d out of range for unit %s", bin, unit)
		}
		if rate.Valid {
			c.Rates[bin] = rate.Float64
			c.Valid[bin] = true
		}
		curves[id] = c
	}
	return curves, rows.Err()
}

// RecordBehaviorRun stores the windows of a behaviour decode.
func (db *DB) RecordBehaviorRun(ctx context.Context, storeID string, res *decode.DecodeResult, cfg decode.BehaviorConfig) error {
	return db.recordRun(ctx, storeID, res.RunID.String(), "behavior", cfg.WindowSize, func(insert windowInserter) error {
		for i, w := range res.Windows {
			if err := insert(0, i, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordEventRun stores the grouped windows of an event decode.
func (db *DB) RecordEventRun(ctx context.Context, storeID string, res *decode.EventDecodeResult, cfg decode.EventConfig) error {
	return db.recordRun(ctx, storeID, res.RunID.String(), "events", cfg.WindowSize, func(insert windowInserter) error {
		for _, ev := range res.Events {
			for j, w := range ev.Windows {
				if err := insert(ev.Index, j, w); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type windowInserter func(eventIndex, windowIndex int, w decode.WindowResult) error

func (db *DB) recordRun(ctx context.Context, storeID, runID, kind string, windowSize float64, fill func(windowInserter) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decode_runs (run_id, store_id, kind, window_size, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, storeID, kind, windowSize, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decode_windows (
			run_id, event_index, window_index, start_time, end_time,
			map_pos, mean_pos, actual_pos, degenerate, posterior
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare window insert: %w", err)
	}
	defer stmt.Close()

	err = fill(func(eventIndex, windowIndex int, w decode.WindowResult) error {
		blob, err := encodePosterior(w.Posterior.P)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			runID, eventIndex, windowIndex, w.Window.Start, w.Window.End,
			w.Posterior.MAPPos, w.Posterior.MeanPos, nullableFloat(w.ActualPos),
			w.Posterior.Degenerate, blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert window %d/%d: %w", eventIndex, windowIndex, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RunSummary is one row of the decode-run listing.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StoreID    string    `json:"store_id"`
	Kind       string    `json:"kind"`
	WindowSize float64   `json:"window_size"`
	CreatedAt  time.Time `json:"created_at"`
	Windows    int       `json:"windows"`
}

// ListRuns returns decode runs, newest first.
func (db *DB) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.store_id, r.kind, r.window_size, r.created_at,
		       (SELECT COUNT(*) FROM decode_windows w WHERE w.run_id = r.run_id)
		FROM decode_runs r ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.StoreID, &s.Kind, &s.WindowSize, &s.CreatedAt, &s.Windows); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StoredWindow is one decoded window read back from the database.
type StoredWindow struct {
	EventIndex  int       `json:"event_index"`
	WindowIndex int       `json:"window_index"`
	Start       float64   `json:"start"`
	End         float64   `json:"end"`
	MAPPos      float64   `json:"map_pos"`
	MeanPos     float64   `json:"mean_pos"`
	ActualPos   *float64  `json:"actual_pos,omitempty"`
	Degenerate  bool      `json:"degenerate"`
	Posterior   []float64 `json:"posterior,omitempty"`
}

// RunWindows returns the decoded windows of one run in order.
func (db *DB) RunWindows(ctx context.Context, runID string) ([]StoredWindow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_index, window_index, start_time, end_time,
		       map_pos, mean_pos, actual_pos, degenerate, posterior
		FROM decode_windows WHERE run_id = ?
		ORDER BY event_index, window_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	var out []StoredWindow
	for rows.Next() {
		var w StoredWindow
		var actual sql.NullFloat64
		var blob []byte
		if err := rows.Scan(&w.EventIndex, &w.WindowIndex, &w.Start, &w.End,
			&w.MAPPos, &w.MeanPos, &actual, &w.Degenerate, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan window row: %w", err)
		}
		if actual.Valid {
			w.ActualPos = &actual.Float64
		}
		if w.Posterior, err = decodePosterior(blob); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// encodePosterior gob-encodes a posterior vector for blob storage.
func encodePosterior(p []float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode posterior: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePosterior(blob []byte) ([]float64, error) {
	var p []float64
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode posterior: %w", err)
	}
	return p, nil
}

func nullableFloat(v float64) sql.NullFloat64 {
	if v != v { // NaN
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	nan := math.NaN()
	for i := range s {
		s[i] = nan
	}
	return s
}
