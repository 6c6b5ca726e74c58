package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSchedule sweeps at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Scheduler fires sweeps on a cron expression.
type Scheduler struct {
	expr   string
	runner *Runner
	log    *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
}

// NewScheduler validates expr and binds it to runner.
func NewScheduler(expr string, runner *Runner, logger *slog.Logger) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSchedule
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %q", expr)
	}
	if runner == nil {
		return nil, fmt.Errorf("sweep runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:   expr,
		runner: runner,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
	}, nil
}

// Expr returns the cron expression in use.
func (s *Scheduler) Expr() string {
	return s.expr
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run sleeps until each tick and runs a sweep, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sweep_scheduler_started", "cron", s.expr)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.log.Error("sweep_next_tick_failed", "cron", s.expr, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-s.after(30 * time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.log.Info("sweep_scheduler_stopping")
			return nil
		case <-s.after(max(next.Sub(s.now()), 0)):
		}
		if _, err := s.runner.Sweep(ctx, TriggerSchedule); err != nil && ctx.Err() != nil {
			return nil
		}
	}
}
