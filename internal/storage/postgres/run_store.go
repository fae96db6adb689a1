package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/svi-collector/internal/collector"
)

// Run statuses stored in the runs table.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is one row of run history.
type RunRecord struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       string
	RowsIngested int
	ErrorMessage *string
}

// RunStore records the lifecycle of collection runs.
//
//	CREATE TABLE svi_runs (
//	    id                text PRIMARY KEY,
//	    started_at        timestamptz NOT NULL,
//	    finished_at       timestamptz,
//	    status            text NOT NULL,
//	    items_considered  integer NOT NULL DEFAULT 0,
//	    batches_attempted integer NOT NULL DEFAULT 0,
//	    batches_failed    integer NOT NULL DEFAULT 0,
//	    deliveries_failed integer NOT NULL DEFAULT 0,
//	    rows_collected    integer NOT NULL DEFAULT 0,
//	    rows_ingested     integer NOT NULL DEFAULT 0,
//	    error_message     text
//	);
type RunStore struct {
	db    DB
	table string
}

// NewRunStore wraps db. An empty table defaults to svi_runs.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	table, err := checkTable(table, "svi_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: table}, nil
}

// StartRun inserts a running row, leaving an existing row untouched.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.db.Exec(ctx, query, runID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("insert run start: %w", err)
	}
	return nil
}

// FinishRun stores the final counters and status.
func (s *RunStore) FinishRun(ctx context.Context, summary collector.RunSummary, runErr error) error {
	status := RunSucceeded
	var errMsg *string
	if runErr != nil {
		status = RunFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, items_considered = $3, batches_attempted = $4,
	batches_failed = $5, deliveries_failed = $6, rows_collected = $7, rows_ingested = $8,
	error_message = $9
WHERE id = $10`, s.table)
	tag, err := s.db.Exec(ctx, query,
		summary.StartedAt.Add(summary.Duration),
		status,
		summary.ItemsConsidered,
		summary.BatchesAttempted,
		summary.BatchesFailed,
		summary.DeliveriesFailed,
		summary.RowsCollected,
		summary.RowsIngested,
		errMsg,
		summary.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", summary.RunID, ErrNotFound)
	}
	return nil
}

// LastSuccessful returns the most recent succeeded run.
func (s *RunStore) LastSuccessful(ctx context.Context) (RunRecord, error) {
	query := fmt.Sprintf(`
SELECT id, started_at, finished_at, status, rows_ingested, error_message
FROM %s
WHERE status = $1
ORDER BY started_at DESC
LIMIT 1`, s.table)
	var rec RunRecord
	err := s.db.QueryRow(ctx, query, RunSucceeded).Scan(
		&rec.ID,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Status,
		&rec.RowsIngested,
		&rec.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("get last run: %w", err)
	}
	return rec, nil
}
