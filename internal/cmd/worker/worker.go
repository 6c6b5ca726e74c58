// Package worker parses worker command flags and launches the sweep worker.
package worker

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/parley/internal/platform/cmd"
	workerserver "github.com/louisbranch/parley/internal/services/worker/app"
)

// Config holds worker command configuration.
type Config struct {
	Port           int           `env:"PARLEY_WORKER_PORT" envDefault:"8089"`
	MetricsAddr    string        `env:"PARLEY_WORKER_METRICS_ADDR"`
	CacheDBPath    string        `env:"PARLEY_DB_PATH" envDefault:"data/translations.db"`
	DBPath         string        `env:"PARLEY_WORKER_DB_PATH" envDefault:"data/worker.db"`
	SweepCron      string        `env:"PARLEY_WORKER_SWEEP_CRON" envDefault:"0 * * * *"`
	SweepOnStart   bool          `env:"PARLEY_WORKER_SWEEP_ON_START"`
	ClaimRetention time.Duration `env:"PARLEY_WORKER_CLAIM_RETENTION" envDefault:"24h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The worker health gRPC server port")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Optional address serving /metrics")
	fs.StringVar(&cfg.CacheDBPath, "cache-db-path", cfg.CacheDBPath, "The shared translation cache SQLite path")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The worker SQLite database path")
	fs.StringVar(&cfg.SweepCron, "sweep-cron", cfg.SweepCron, "Cron expression for the reconciliation sweep")
	fs.BoolVar(&cfg.SweepOnStart, "sweep-on-start", cfg.SweepOnStart, "Run one sweep before following the schedule")
	fs.DurationVar(&cfg.ClaimRetention, "claim-retention", cfg.ClaimRetention, "How long expired claims are kept before pruning")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(context.Context) error {
		return workerserver.Run(ctx, runtimeConfig(cfg))
	})
}

func runtimeConfig(cfg Config) workerserver.RuntimeConfig {
	return workerserver.RuntimeConfig{
		Port:           cfg.Port,
		MetricsAddr:    cfg.MetricsAddr,
		CacheDBPath:    cfg.CacheDBPath,
		DBPath:         cfg.DBPath,
		SweepCron:      cfg.SweepCron,
		SweepOnStart:   cfg.SweepOnStart,
		ClaimRetention: cfg.ClaimRetention,
	}
}
