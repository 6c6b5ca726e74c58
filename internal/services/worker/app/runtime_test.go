package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/memory"
	workersqlite "github.com/louisbranch/parley/internal/services/worker/storage/sqlite"
)

func TestSweepRunRecorder_StoresResult(t *testing.T) {
	store := openTempWorkerStore(t)
	recorder := NewSweepRunRecorder(store)
	started := time.Date(2026, 2, 22, 0, 20, 0, 0, time.UTC)

	if err := recorder.RecordSweep(context.Background(), reconcile.Result{
		RunID:      "sweep_ok",
		Trigger:    reconcile.TriggerSchedule,
		Removed:    3,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}); err != nil {
		t.Fatalf("record ok run: %v", err)
	}
	if err := recorder.RecordSweep(context.Background(), reconcile.Result{
		RunID:      "sweep_failed",
		Trigger:    reconcile.TriggerManual,
		Err:        errors.New("database is locked"),
		StartedAt:  started.Add(time.Minute),
		FinishedAt: started.Add(time.Minute),
	}); err != nil {
		t.Fatalf("record failed run: %v", err)
	}

	runs, err := store.ListSweepRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sweep runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs len = %d, want 2", len(runs))
	}
	if runs[0].RunID != "sweep_failed" || runs[0].Error != "database is locked" || runs[0].Trigger != "manual" {
		t.Fatalf("runs[0] = %+v", runs[0])
	}
	if runs[1].Removed != 3 || runs[1].Failed() {
		t.Fatalf("runs[1] = %+v", runs[1])
	}
}

func TestSweepRunRecorder_NilStoreIsNoop(t *testing.T) {
	var recorder *SweepRunRecorder
	if err := recorder.RecordSweep(context.Background(), reconcile.Result{RunID: "x"}); err != nil {
		t.Fatalf("nil recorder: %v", err)
	}
}

func TestSweeps_StartupSweepIsRecorded(t *testing.T) {
	cache := memory.New(storage.Options{})
	base := time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := cache.Append(domain.TranslationRecord{
			MessageID:         "msg1",
			TargetLanguage:    "fr",
			TranslatedContent: "bonjour",
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	runs := openTempWorkerStore(t)
	sweeps, err := NewSweeps(cache, runs, RuntimeConfig{SweepCron: "0 0 1 1 *", SweepOnStart: true}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new sweeps: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeps.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := runs.ListSweepRuns(context.Background(), 10)
		if err != nil {
			t.Fatalf("list sweep runs: %v", err)
		}
		if len(records) == 1 {
			if records[0].Removed != 2 || records[0].Trigger != "schedule" {
				t.Fatalf("startup run = %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup sweep was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeps did not stop on cancel")
	}
}

func TestNewSweeps_RejectsInvalidCron(t *testing.T) {
	_, err := NewSweeps(memory.New(storage.Options{}), nil, RuntimeConfig{SweepCron: "every hour"}, prometheus.NewRegistry())
	if err == nil {
		t.Fatal("expected invalid cron error")
	}
}

func openTempWorkerStore(t *testing.T) *workersqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	store, err := workersqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open worker store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close worker store: %v", err)
		}
	})
	return store
}
