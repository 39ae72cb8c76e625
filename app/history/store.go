// Package history keeps pipeline runs in a sqlite database
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound returned by Get for unknown run
var ErrNotFound = errors.New("run not found")

// Run is a single pipeline launch
type Run struct {
	ID         int64     `json:"id"`
	JobStore   string    `json:"job_store"`
	Command    string    `json:"command"`
	Host       string    `json:"host"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Status     RunStatus `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Attempts   int       `json:"attempts"`
	Restart    bool      `json:"restart"`
	Output     string    `json:"output,omitempty"`
}

// Duration of the run, up to now for the running one
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt).Truncate(time.Second)
	}
	return r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second)
}

// runRow is the db representation of Run, timestamps kept as unix seconds
type runRow struct {
	ID         int64     `db:"id"`
	JobStore   string    `db:"job_store"`
	Command    string    `db:"command"`
	Host       string    `db:"host"`
	StartedAt  int64     `db:"started_at"`
	FinishedAt int64     `db:"finished_at"`
	Status     RunStatus `db:"status"`
	ExitCode   int       `db:"exit_code"`
	Attempts   int       `db:"attempts"`
	Restart    bool      `db:"restart"`
	Output     string    `db:"output"`
}

func (r runRow) run() Run {
	res := Run{ID: r.ID, JobStore: r.JobStore, Command: r.Command, Host: r.Host, Status: r.Status,
		ExitCode: r.ExitCode, Attempts: r.Attempts, Restart: r.Restart, Output: r.Output,
		StartedAt: time.Unix(r.StartedAt, 0)}
	if r.FinishedAt > 0 {
		res.FinishedAt = time.Unix(r.FinishedAt, 0)
	}
	return res
}

// Store implements runs persistence with sqlite
type Store struct {
	db *sqlx.DB
}

// NewStore opens sqlite database and creates the schema
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode, the status server reads while the launcher writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	db.SetMaxOpenConns(1) // single writer, avoids "database is locked" between launcher and status server

	res := &Store{db: db}
	if err := res.Initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return res, nil
}

// Initialize creates the database schema
func (s *Store) Initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_store TEXT NOT NULL,
			command TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			restart BOOLEAN NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_store ON runs(job_store)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Start records a new running run and returns its id. Runs of the same job store left in running
// state by a killed launcher marked as interrupted.
func (s *Store) Start(r Run) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err = tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE job_store = ? AND status = ?`,
		RunStatusInterrupted, r.JobStore, RunStatusRunning); err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO runs (job_store, command, host, started_at, status, restart)
		VALUES (?, ?, ?, ?, ?, ?)`, r.JobStore, r.Command, r.Host, r.StartedAt.Unix(), RunStatusRunning, r.Restart)
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// Finish updates run with its outcome
func (s *Store) Finish(id int64, finished time.Time, status RunStatus, exitCode, attempts int, output string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ?, exit_code = ?, attempts = ?, output = ?
		WHERE id = ?`, finished.Unix(), status, exitCode, attempts, output, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to finish run %d: %w", id, ErrNotFound)
	}
	return nil
}

// List returns recent runs, newest first, without output
func (s *Store) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := []runRow{}
	err := s.db.Select(&rows, `SELECT id, job_store, command, host, started_at, finished_at, status, exit_code,
		attempts, restart FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	res := make([]Run, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.run())
	}
	return res, nil
}

// Get returns run by id, with output
func (s *Store) Get(id int64) (Run, error) {
	var row runRow
	err := s.db.Get(&row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	return row.run(), nil
}

// Cleanup keeps only the last keep runs
func (s *Store) Cleanup(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get cleaned runs: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
