package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/parley/internal/services/worker/storage"
)

func TestRecordAndListSweepRuns(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 2, 21, 23, 30, 0, 0, time.UTC)

	if err := store.RecordSweepRun(context.Background(), storage.SweepRunRecord{
		RunID:      "sweep_1",
		Trigger:    "schedule",
		Removed:    2,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}); err != nil {
		t.Fatalf("record sweep run: %v", err)
	}
	if err := store.RecordSweepRun(context.Background(), storage.SweepRunRecord{
		RunID:        "sweep_2",
		Trigger:      "manual",
		PrunedClaims: 4,
		Error:        "database is locked",
		StartedAt:    now.Add(time.Hour),
		FinishedAt:   now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("record sweep run second: %v", err)
	}

	runs, err := store.ListSweepRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sweep runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs len = %d, want 2", len(runs))
	}
	if runs[0].RunID != "sweep_2" || !runs[0].Failed() || runs[0].PrunedClaims != 4 {
		t.Fatalf("runs[0] = %+v", runs[0])
	}
	if runs[1].RunID != "sweep_1" || runs[1].Failed() || runs[1].Removed != 2 {
		t.Fatalf("runs[1] = %+v", runs[1])
	}
	if !runs[1].FinishedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("finished at = %v", runs[1].FinishedAt)
	}

	limited, err := store.ListSweepRuns(context.Background(), 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].RunID != "sweep_2" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestRecordSweepRunValidation(t *testing.T) {
	store := openTempStore(t)

	if err := store.RecordSweepRun(context.Background(), storage.SweepRunRecord{}); err == nil {
		t.Fatal("expected validation error for empty run")
	}
	if err := store.RecordSweepRun(context.Background(), storage.SweepRunRecord{RunID: "r", Trigger: "manual", Removed: -1}); err == nil {
		t.Fatal("expected validation error for negative count")
	}
	if _, err := store.ListSweepRuns(context.Background(), 0); err == nil {
		t.Fatal("expected limit validation error")
	}
}

func TestRecordSweepRunRejectsDuplicateRunID(t *testing.T) {
	store := openTempStore(t)
	run := storage.SweepRunRecord{RunID: "sweep_1", Trigger: "manual"}
	if err := store.RecordSweepRun(context.Background(), run); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSweepRun(context.Background(), run); err == nil {
		t.Fatal("expected duplicate run id error")
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if err := store.RecordSweepRun(context.Background(), storage.SweepRunRecord{RunID: "r", Trigger: "manual"}); err == nil {
		t.Fatal("expected not configured error")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
