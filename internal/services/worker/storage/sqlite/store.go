package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/parley/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/parley/internal/services/worker/storage"
	"github.com/louisbranch/parley/internal/services/worker/storage/sqlite/migrations"
)

// Store provides SQLite-backed sweep-run persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a worker SQLite store and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordSweepRun persists one finished sweep.
func (s *Store) RecordSweepRun(ctx context.Context, run storage.SweepRunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	run.RunID = strings.TrimSpace(run.RunID)
	run.Trigger = strings.TrimSpace(run.Trigger)
	run.Error = strings.TrimSpace(run.Error)
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Trigger == "" {
		return fmt.Errorf("trigger is required")
	}
	if run.Removed < 0 || run.PrunedClaims < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.FinishedAt.Before(run.StartedAt) {
		run.FinishedAt = run.StartedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sweep_runs (
	run_id,
	run_trigger,
	removed,
	pruned_claims,
	error,
	started_at,
	finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		run.RunID,
		run.Trigger,
		run.Removed,
		run.PrunedClaims,
		run.Error,
		run.StartedAt.UTC().UnixMilli(),
		run.FinishedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record sweep run: %w", err)
	}
	return nil
}

// ListSweepRuns lists newest-first sweep runs.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]storage.SweepRunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	run_id,
	run_trigger,
	removed,
	pruned_claims,
	error,
	started_at,
	finished_at
FROM sweep_runs
ORDER BY started_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	defer rows.Close()

	records := make([]storage.SweepRunRecord, 0, limit)
	for rows.Next() {
		var record storage.SweepRunRecord
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Trigger,
			&record.Removed,
			&record.PrunedClaims,
			&record.Error,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sweep run: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedAt).UTC()
		record.FinishedAt = time.UnixMilli(finishedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep runs: %w", err)
	}
	return records, nil
}

var _ storage.SweepRunStore = (*Store)(nil)
