// Package runindex keeps a SQLite registry of saved runs.
package runindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Run is one entry of the index.
type Run struct {
	ID       string
	Command  string
	Dir      string
	Settings string
	Status   string
	Started  time.Time
	Finished time.Time
	Metrics  map[string]float64
}

// Index is a run registry backed by a database file.
type Index struct {
	db *sql.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		dir TEXT NOT NULL,
		settings TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		metrics TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_dir ON runs(dir);
	`
	if _, err := i.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Start records a new running run.
func (i *Index) Start(ctx context.Context, r *Run) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	r.Status = StatusRunning
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, dir, settings, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Command, r.Dir, r.Settings, r.Status, r.Started.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Finish marks a run as finished or failed and stores
// its final metrics.
func (i *Index) Finish(ctx context.Context, id string, runErr error,
	metrics map[string]float64) error {
	status := StatusFinished
	if runErr != nil {
		status = StatusFailed
	}
	encoded, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	res, err := i.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, metrics = ? WHERE id = ?`,
		status, time.Now().UnixNano(), string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get looks up a run by ID.
func (i *Index) Get(ctx context.Context, id string) (*Run, error) {
	row := i.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return r, err
}

// List returns all runs, oldest first.
func (i *Index) List(ctx context.Context) ([]*Run, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT `+columns+` FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var res []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

const columns = `id, command, dir, settings, status, started_at, finished_at, metrics`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var settings, metrics sql.NullString
	var started int64
	var finished sql.NullInt64
	err := s.Scan(&r.ID, &r.Command, &r.Dir, &settings, &r.Status, &started,
		&finished, &metrics)
	if err != nil {
		return nil, err
	}
	r.Settings = settings.String
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return &r, nil
}
