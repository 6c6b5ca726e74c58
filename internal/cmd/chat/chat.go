// Package chat parses chat command flags and composes the gateway.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/parley/internal/platform/cmd"
	server "github.com/louisbranch/parley/internal/services/chat/app"
	"github.com/louisbranch/parley/internal/services/translation/fanout"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr     string `env:"PARLEY_CHAT_HTTP_ADDR"  envDefault:":8086"`
	CacheBackend string `env:"PARLEY_CACHE_BACKEND"   envDefault:"sqlite"`
	DBPath       string `env:"PARLEY_DB_PATH"         envDefault:"data/translations.db"`
	PebbleDir    string `env:"PARLEY_PEBBLE_DIR"      envDefault:"data/translations.pebble"`
	SweepCron    string `env:"PARLEY_SWEEP_CRON"      envDefault:"0 * * * *"`

	EngineURL        string        `env:"PARLEY_ENGINE_URL"`
	EngineAPIKey     string        `env:"PARLEY_ENGINE_API_KEY"`
	EngineModel      string        `env:"PARLEY_ENGINE_MODEL"`
	EngineDictionary string        `env:"PARLEY_ENGINE_DICTIONARY"`
	EngineTimeout    time.Duration `env:"PARLEY_ENGINE_TIMEOUT"     envDefault:"10s"`
	EngineRPS        float64       `env:"PARLEY_ENGINE_RPS"         envDefault:"0"`
	EngineBurst      int           `env:"PARLEY_ENGINE_BURST"       envDefault:"1"`

	MaxAttempts   int           `env:"PARLEY_FANOUT_MAX_ATTEMPTS"    envDefault:"3"`
	RetryBase     time.Duration `env:"PARLEY_FANOUT_RETRY_BASE"      envDefault:"500ms"`
	RetryMaxDelay time.Duration `env:"PARLEY_FANOUT_RETRY_MAX_DELAY" envDefault:"5s"`
	ClaimTTL      time.Duration `env:"PARLEY_FANOUT_CLAIM_TTL"       envDefault:"1m"`
	MaxInFlight   int           `env:"PARLEY_FANOUT_MAX_INFLIGHT"    envDefault:"32"`

	DefaultLanguage string `env:"PARLEY_DEFAULT_LANGUAGE" envDefault:"en"`
	BaseOnly        bool   `env:"PARLEY_LANGUAGE_BASE_ONLY" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.CacheBackend, "cache", cfg.CacheBackend, "translation cache backend: sqlite, pebble or memory")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite translation cache path")
	fs.StringVar(&cfg.PebbleDir, "pebble-dir", cfg.PebbleDir, "Pebble translation cache directory")
	fs.StringVar(&cfg.SweepCron, "sweep-cron", cfg.SweepCron, "reconciliation sweep schedule for the pebble and memory caches")
	fs.StringVar(&cfg.EngineURL, "engine-url", cfg.EngineURL, "translation engine endpoint; empty uses the dictionary engine")
	fs.StringVar(&cfg.EngineDictionary, "engine-dictionary", cfg.EngineDictionary, "YAML phrasebook for the dictionary engine")
	fs.DurationVar(&cfg.EngineTimeout, "engine-timeout", cfg.EngineTimeout, "timeout of one translation engine call")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "engine calls per language before giving up")
	fs.DurationVar(&cfg.ClaimTTL, "claim-ttl", cfg.ClaimTTL, "lease on a pending translation claim")
	fs.StringVar(&cfg.DefaultLanguage, "default-language", cfg.DefaultLanguage, "language of participants without preferences")
	fs.BoolVar(&cfg.BaseOnly, "base-only", cfg.BaseOnly, "collapse regional variants to their base language")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat gateway and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, serverConfig(cfg)); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config) server.Config {
	return server.Config{
		HTTPAddr:         cfg.HTTPAddr,
		CacheBackend:     cfg.CacheBackend,
		DBPath:           cfg.DBPath,
		PebbleDir:        cfg.PebbleDir,
		SweepCron:        cfg.SweepCron,
		EngineURL:        cfg.EngineURL,
		EngineAPIKey:     cfg.EngineAPIKey,
		EngineModel:      cfg.EngineModel,
		EngineDictionary: cfg.EngineDictionary,
		EngineTimeout:    cfg.EngineTimeout,
		EngineRPS:        cfg.EngineRPS,
		EngineBurst:      cfg.EngineBurst,
		Fanout: fanout.Config{
			MaxAttempts:   cfg.MaxAttempts,
			RetryBase:     cfg.RetryBase,
			RetryMaxDelay: cfg.RetryMaxDelay,
			ClaimTTL:      cfg.ClaimTTL,
			MaxInFlight:   cfg.MaxInFlight,
		},
		DefaultLanguage: cfg.DefaultLanguage,
		BaseOnly:        cfg.BaseOnly,
	}
}
