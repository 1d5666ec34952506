package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Failure kinds recorded for a run
const (
	FailureDownload = "download"
	FailureCommit   = "commit"
)

// Run is one recorded install or update attempt
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	FromRevision int
	ToRevision   int
	Outcome      string
	Installed    int
	Message      string
	Failures     []RunFailure
}

// Finished reports whether the run was closed with FinishRun.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// RunFailure is an asset or URL that did not make it into the content store
type RunFailure struct {
	Kind string
	Ref  string
}

// StartRun records the beginning of a run
func (d *DB) StartRun(id string, startedAt time.Time, fromRevision int) error {
	_, err := d.Exec(`
		INSERT INTO runs (id, started_at, from_revision)
		VALUES (?, ?, ?)
	`, id, startedAt.UTC(), fromRevision)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run together with its failures
func (d *DB) FinishRun(run Run) (err error) {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	finished := run.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	result, err := tx.Exec(`
		UPDATE runs SET finished_at = ?, to_revision = ?, outcome = ?, installed = ?, message = ?
		WHERE id = ?
	`, finished.UTC(), run.ToRevision, run.Outcome, run.Installed, run.Message, run.ID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("finishing run %s: %w", run.ID, sql.ErrNoRows)
	}

	for _, f := range run.Failures {
		if _, err = tx.Exec(`
			INSERT INTO run_failures (run_id, kind, ref) VALUES (?, ?, ?)
		`, run.ID, f.Kind, f.Ref); err != nil {
			return fmt.Errorf("recording failure: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	return nil
}

// GetRun returns a run with its failures, or nil if it does not exist
func (d *DB) GetRun(id string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := d.QueryRow(`
		SELECT id, started_at, finished_at, from_revision, to_revision, outcome, installed, message
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.StartedAt, &finished, &run.FromRevision, &run.ToRevision,
		&run.Outcome, &run.Installed, &run.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	run.Failures, err = d.runFailures(id)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (d *DB) runFailures(id string) ([]RunFailure, error) {
	rows, err := d.Query(`
		SELECT kind, ref FROM run_failures WHERE run_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run failures: %w", err)
	}
	defer rows.Close()

	var failures []RunFailure
	for rows.Next() {
		var f RunFailure
		if err := rows.Scan(&f.Kind, &f.Ref); err != nil {
			return nil, fmt.Errorf("scanning run failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// RecentRuns returns up to limit runs, newest first, without failures
func (d *DB) RecentRuns(limit int) ([]Run, error) {
	rows, err := d.Query(`
		SELECT id, started_at, finished_at, from_revision, to_revision, outcome, installed, message
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		err := rows.Scan(&run.ID, &run.StartedAt, &finished, &run.FromRevision, &run.ToRevision,
			&run.Outcome, &run.Installed, &run.Message)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
