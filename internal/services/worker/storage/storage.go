// Package storage defines the worker's durable sweep-run audit log.
package storage

import (
	"context"
	"time"
)

// SweepRunRecord is one finished reconciliation sweep.
type SweepRunRecord struct {
	ID           int64
	RunID        string
	Trigger      string
	Removed      int
	PrunedClaims int
	// Error is empty for successful runs.
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports whether the run ended with an error.
func (r SweepRunRecord) Failed() bool {
	return r.Error != ""
}

// SweepRunStore persists sweep-run records.
type SweepRunStore interface {
	RecordSweepRun(ctx context.Context, run SweepRunRecord) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRunRecord, error)
}
