// Package journal keeps a SQLite log of every tool invocation of a batch,
// including the start, end and termination cause the CSV cannot carry.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weiihann/depbench/harness"
)

// Run states stored in the runs table.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
)

// ErrUnknownRun is returned for a run ID that was never begun.
var ErrUnknownRun = errors.New("unknown run")

// Store provides SQLite-backed journal persistence.
type Store struct {
	db *sql.DB
}

// New opens or creates the journal at path. ":memory:" gives a private
// in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInfo describes a batch run.
type RunInfo struct {
	ID         string
	Timestamp  string
	Language   string
	From       int
	To         int
	Filter     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// BeginRun inserts a run in the running state.
func (s *Store) BeginRun(ctx context.Context, run RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, timestamp, language, row_from, row_to, filter, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Timestamp,
		run.Language,
		run.From,
		run.To,
		run.Filter,
		RunRunning,
		formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}

	return nil
}

// FinishRun stores the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrUnknownRun)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, language, row_from, row_to, filter, status, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	var (
		run      RunInfo
		started  string
		finished sql.NullString
	)

	err := row.Scan(&run.ID, &run.Timestamp, &run.Language, &run.From, &run.To,
		&run.Filter, &run.Status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("get run %s: %w", id, ErrUnknownRun)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("get run %s: %w", id, err)
	}

	if run.StartedAt, err = parseTime(started); err != nil {
		return RunInfo{}, err
	}

	if finished.Valid {
		if run.FinishedAt, err = parseTime(finished.String); err != nil {
			return RunInfo{}, err
		}
	}

	return run, nil
}

// RunJournal records invocations for one run.
type RunJournal struct {
	store *Store
	runID string
}

// ForRun returns a journal bound to runID.
func (s *Store) ForRun(runID string) *RunJournal {
	return &RunJournal{store: s, runID: runID}
}

// RecordInvocation appends one measurement of project.
func (j *RunJournal) RecordInvocation(ctx context.Context, project string, m harness.Measurement) error {
	_, err := j.store.db.ExecContext(ctx, `
		INSERT INTO invocations (run_id, project, tool, status, cause, started_at, ended_at, elapsed_ms, peak_bytes, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.runID,
		project,
		string(m.Tool),
		string(m.Status),
		string(m.Cause),
		nullableTime(m.Start),
		nullableTime(m.End),
		m.Elapsed.Milliseconds(),
		m.PeakBytes,
		m.ExitCode,
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", project, m.Tool, err)
	}

	return nil
}

// Invocation is one journaled measurement.
type Invocation struct {
	Project     string
	Measurement harness.Measurement
}

// Invocations returns the measurements of a run in insertion order.
func (s *Store) Invocations(ctx context.Context, runID string) ([]Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, tool, status, cause, started_at, ended_at, elapsed_ms, peak_bytes, exit_code
		FROM invocations WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation

	for rows.Next() {
		var (
			inv                 Invocation
			tool, status, cause string
			start, end          sql.NullString
			elapsedMs           int64
		)

		err := rows.Scan(&inv.Project, &tool, &status, &cause, &start, &end,
			&elapsedMs, &inv.Measurement.PeakBytes, &inv.Measurement.ExitCode)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}

		inv.Measurement.Tool = harness.Tool(tool)
		inv.Measurement.Status = harness.Status(status)
		inv.Measurement.Cause = harness.Cause(cause)
		inv.Measurement.Elapsed = time.Duration(elapsedMs) * time.Millisecond

		if start.Valid {
			if inv.Measurement.Start, err = parseTime(start.String); err != nil {
				return nil, err
			}
		}
		if end.Valid {
			if inv.Measurement.End, err = parseTime(end.String); err != nil {
				return nil, err
			}
		}

		out = append(out, inv)
	}

	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}

	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}

	return t, nil
}
