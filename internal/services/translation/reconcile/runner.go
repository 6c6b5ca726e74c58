// Package reconcile runs the duplicate sweep over the translation cache:
// on demand, when a read observes an integrity violation, and on a cron
// schedule.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/parley/internal/platform/id"
	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

// Trigger names what started a sweep.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerSchedule  Trigger = "schedule"
	TriggerIntegrity Trigger = "integrity"
)

// DefaultClaimRetention is how long finished claim markers are kept.
const DefaultClaimRetention = 24 * time.Hour

// Result describes one sweep run.
type Result struct {
	RunID        string
	Trigger      Trigger
	Removed      int
	PrunedClaims int
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
}

// Recorder persists sweep results.
type Recorder interface {
	RecordSweep(ctx context.Context, res Result) error
}

// Options configures a Runner.
type Options struct {
	// ClaimRetention is the age after which done and expired claims are
	// pruned. Zero uses DefaultClaimRetention; negative disables pruning.
	ClaimRetention time.Duration
	Recorder       Recorder
	Registerer     prometheus.Registerer
	Logger         *slog.Logger
	Now            func() time.Time
}

// Runner serializes sweeps over one store.
type Runner struct {
	sweeper   storage.Sweeper
	pruner    storage.ClaimPruner
	retention time.Duration
	recorder  Recorder
	log       *slog.Logger
	now       func() time.Time

	runs       *prometheus.CounterVec
	removed    prometheus.Counter
	violations prometheus.Counter

	mu       sync.Mutex
	triggers chan Trigger
}

// NewRunner builds a runner for sweeper. When sweeper also implements
// storage.ClaimPruner, every run prunes stale claim markers too.
func NewRunner(sweeper storage.Sweeper, opts Options) (*Runner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	retention := opts.ClaimRetention
	if retention == 0 {
		retention = DefaultClaimRetention
	}
	pruner, _ := sweeper.(storage.ClaimPruner)

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Sweep runs by trigger and result.",
	}, []string{"trigger", "result"})
	removed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "sweep",
		Name:      "removed_records_total",
		Help:      "Duplicate translation records removed by sweeps.",
	})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "sweep",
		Name:      "integrity_violations_total",
		Help:      "Reads that observed more than one record for a key.",
	})
	cs := metrics.Register(opts.Registerer, runs, removed, violations)

	return &Runner{
		sweeper:    sweeper,
		pruner:     pruner,
		retention:  retention,
		recorder:   opts.Recorder,
		log:        logger,
		now:        now,
		runs:       cs[0].(*prometheus.CounterVec),
		removed:    cs[1].(prometheus.Counter),
		violations: cs[2].(prometheus.Counter),
		triggers:   make(chan Trigger, 1),
	}, nil
}

// Sweep runs one sweep now and returns its result. Concurrent calls run
// one after the other.
func (r *Runner) Sweep(ctx context.Context, trigger Trigger) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Trigger: trigger, StartedAt: r.now()}
	runID, err := id.WithPrefix("sweep")
	if err != nil {
		return res, err
	}
	res.RunID = runID

	res.Removed, res.Err = r.sweeper.Sweep(ctx)
	if res.Err == nil && r.pruner != nil && r.retention > 0 {
		res.PrunedClaims, res.Err = r.pruner.PruneClaims(ctx, res.StartedAt.Add(-r.retention))
	}
	res.FinishedAt = r.now()

	result := "ok"
	if res.Err != nil {
		result = "error"
		r.log.Error("sweep_failed", "run_id", res.RunID, "trigger", string(trigger), "error", res.Err)
	} else {
		r.removed.Add(float64(res.Removed))
		r.log.Info("sweep_completed",
			"run_id", res.RunID,
			"trigger", string(trigger),
			"removed", res.Removed,
			"pruned_claims", res.PrunedClaims,
			"duration", res.FinishedAt.Sub(res.StartedAt),
		)
	}
	r.runs.WithLabelValues(string(trigger), result).Inc()

	if r.recorder != nil {
		// Record even when ctx was canceled mid-sweep.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.recorder.RecordSweep(recordCtx, res); err != nil {
			r.log.Error("sweep_record_failed", "run_id", res.RunID, "error", err)
		}
	}
	return res, res.Err
}

// Trigger requests an asynchronous sweep. Requests made while one is
// already queued are coalesced.
func (r *Runner) Trigger(trigger Trigger) {
	select {
	case r.triggers <- trigger:
	default:
	}
}

// IntegrityHook returns a storage hook that logs the violation and queues
// a sweep.
func (r *Runner) IntegrityHook() storage.IntegrityHook {
	return func(key domain.Key, count int) {
		r.violations.Inc()
		r.log.Warn("translation_integrity_violation",
			"message_id", key.MessageID,
			"language", key.TargetLanguage,
			"count", count,
			"error", storage.IntegrityViolation(key, count),
		)
		r.Trigger(TriggerIntegrity)
	}
}

// Run serves triggered sweeps until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case trigger := <-r.triggers:
			if _, err := r.Sweep(ctx, trigger); err != nil && errors.Is(err, context.Canceled) {
				return nil
			}
		}
	}
}
