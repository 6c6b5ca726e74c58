package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/parley/internal/platform/grpc"
	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	translationsqlite "github.com/louisbranch/parley/internal/services/translation/storage/sqlite"
	workerstorage "github.com/louisbranch/parley/internal/services/worker/storage"
	workersqlite "github.com/louisbranch/parley/internal/services/worker/storage/sqlite"
)

// HealthService is the gRPC health service name the worker reports once
// its stores are open.
const HealthService = "worker.sweep"

// RuntimeConfig controls worker startup and the sweep schedule.
// CacheDBPath is the SQLite translation cache shared with the gateways.
type RuntimeConfig struct {
	Port           int
	MetricsAddr    string
	CacheDBPath    string
	DBPath         string
	SweepCron      string
	SweepOnStart   bool
	ClaimRetention time.Duration
}

const (
	defaultWorkerPort = 8089
	defaultWorkerDB   = "data/worker.db"
	defaultCacheDB    = "data/translations.db"
)

// Run starts the worker health server and the sweep scheduler, and blocks
// until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultWorkerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultWorkerDB
	}
	if strings.TrimSpace(cfg.CacheDBPath) == "" {
		cfg.CacheDBPath = defaultCacheDB
	}
	for _, path := range []string{cfg.DBPath, cfg.CacheDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create worker storage dir: %w", err)
			}
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on worker port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer, healthServer := platformgrpc.NewHealthServer(HealthService)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()
	log.Printf("worker server listening at %v", listener.Addr())

	cache, err := translationsqlite.Open(ctx, cfg.CacheDBPath, storage.Options{})
	if err != nil {
		return fmt.Errorf("open translation cache: %w", err)
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			log.Printf("close translation cache: %v", closeErr)
		}
	}()

	workerStore, err := workersqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open worker sqlite store: %w", err)
	}
	defer func() {
		if closeErr := workerStore.Close(); closeErr != nil {
			log.Printf("close worker sqlite store: %v", closeErr)
		}
	}()

	registry := metrics.NewRegistry()
	sweeps, err := NewSweeps(cache, workerStore, cfg, registry)
	if err != nil {
		return err
	}
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	group, groupCtx := errgroup.WithContext(ctx)
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, addr, registry)
		})
	}
	group.Go(func() error {
		return sweeps.Run(groupCtx)
	})
	return group.Wait()
}

// Sweeps couples the sweep runner with its cron schedule.
type Sweeps struct {
	runner    *reconcile.Runner
	scheduler *reconcile.Scheduler
	onStart   bool
}

// NewSweeps builds the runner over sweeper, recording every run in runs.
func NewSweeps(sweeper storage.Sweeper, runs workerstorage.SweepRunStore, cfg RuntimeConfig, reg prometheus.Registerer) (*Sweeps, error) {
	runner, err := reconcile.NewRunner(sweeper, reconcile.Options{
		ClaimRetention: cfg.ClaimRetention,
		Recorder:       NewSweepRunRecorder(runs),
		Registerer:     reg,
	})
	if err != nil {
		return nil, fmt.Errorf("init sweep runner: %w", err)
	}
	scheduler, err := reconcile.NewScheduler(cfg.SweepCron, runner, nil)
	if err != nil {
		return nil, err
	}
	return &Sweeps{runner: runner, scheduler: scheduler, onStart: cfg.SweepOnStart}, nil
}

// Run optionally sweeps once, then follows the schedule until ctx ends.
func (s *Sweeps) Run(ctx context.Context) error {
	if s.onStart {
		if _, err := s.runner.Sweep(ctx, reconcile.TriggerSchedule); err != nil {
			log.Printf("startup sweep failed: %v", err)
		}
	}
	return s.scheduler.Run(ctx)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: timeouts.ReadHeader}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	log.Printf("worker metrics listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

// SweepRunRecorder stores reconcile results as sweep run records.
type SweepRunRecorder struct {
	store workerstorage.SweepRunStore
}

func NewSweepRunRecorder(store workerstorage.SweepRunStore) *SweepRunRecorder {
	return &SweepRunRecorder{store: store}
}

// RecordSweep implements reconcile.Recorder.
func (r *SweepRunRecorder) RecordSweep(ctx context.Context, res reconcile.Result) error {
	if r == nil || r.store == nil {
		return nil
	}
	record := workerstorage.SweepRunRecord{
		RunID:        res.RunID,
		Trigger:      string(res.Trigger),
		Removed:      res.Removed,
		PrunedClaims: res.PrunedClaims,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}
	return r.store.RecordSweepRun(ctx, record)
}
