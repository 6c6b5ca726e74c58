package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/memory"
)

func newTestRunner(t *testing.T) (*Runner, *fakeRecorder) {
	t.Helper()
	recorder := &fakeRecorder{}
	runner, err := NewRunner(memory.New(storage.Options{}), Options{Recorder: recorder, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner, recorder
}

func TestSchedulerNextTick(t *testing.T) {
	runner, _ := newTestRunner(t)
	sched, err := NewScheduler("", runner, quietLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if sched.Expr() != DefaultSchedule {
		t.Fatalf("expr = %q, want default", sched.Expr())
	}
	next, err := sched.Next(time.Date(2026, 2, 1, 10, 15, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	runner, _ := newTestRunner(t)
	if _, err := NewScheduler("not a cron", runner, quietLogger()); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if _, err := NewScheduler("* * * * *", nil, quietLogger()); err == nil {
		t.Fatal("expected missing runner error")
	}
}

func TestSchedulerRunsSweepOnTick(t *testing.T) {
	runner, recorder := newTestRunner(t)
	sched, err := NewScheduler("*/5 * * * *", runner, quietLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ticks := make(chan time.Time)
	var waits []time.Duration
	sched.now = func() time.Time { return time.Date(2026, 2, 1, 10, 1, 0, 0, time.UTC) }
	sched.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		return ticks
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	ticks <- time.Time{}
	ticks <- time.Time{}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if recorder.count() < 1 {
		t.Fatalf("recorded = %d, want at least 1", recorder.count())
	}
	if waits[0] != 4*time.Minute {
		t.Fatalf("first wait = %v, want 4m", waits[0])
	}
	if recorder.results[0].Trigger != TriggerSchedule {
		t.Fatalf("trigger = %q, want schedule", recorder.results[0].Trigger)
	}
}
