package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/parley/internal/platform/id"
	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/services/chat/participants"
	"github.com/louisbranch/parley/internal/services/translation/delivery"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/engine"
	"github.com/louisbranch/parley/internal/services/translation/fanout"
	"github.com/louisbranch/parley/internal/services/translation/language"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/memory"
	"github.com/louisbranch/parley/internal/services/translation/storage/pebble"
	"github.com/louisbranch/parley/internal/services/translation/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageContentRunes  = 2000
	maxClientMessageIDRunes = 128
	maxIdentifierRunes      = 128

	maxRoomMessages      = 1000
	maxIdempotencyRecord = 4000
	maxBacklogMessages   = 50
)

// Cache backends accepted by Config.CacheBackend.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config defines the inputs for the chat gateway.
//
// An empty CacheBackend keeps translations in memory. An empty EngineURL
// uses the dictionary engine, loaded from EngineDictionary when set.
// SweepCron schedules the reconciliation sweep for the pebble and memory
// backends, which no other process can open; the worker sweeps SQLite.
type Config struct {
	HTTPAddr     string
	CacheBackend string
	DBPath       string
	PebbleDir    string
	SweepCron    string

	EngineURL        string
	EngineAPIKey     string
	EngineModel      string
	EngineDictionary string
	EngineTimeout    time.Duration
	EngineRPS        float64
	EngineBurst      int

	Fanout          fanout.Config
	DefaultLanguage string
	BaseOnly        bool

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	DrainTimeout      time.Duration
}

// Server hosts the chat HTTP/WebSocket process together with the
// translation pipeline it feeds.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	httpServer      *http.Server
	store           storage.Store
	orchestrator    *fanout.Orchestrator
	scheduler       *reconcile.Scheduler
	sweepStop       context.CancelFunc
	sweepDone       chan struct{}
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = timeouts.FanoutDrain
	}
	if config.EngineTimeout > 0 {
		config.Fanout.CallTimeout = config.EngineTimeout
	}

	eng, err := newEngine(config)
	if err != nil {
		return nil, fmt.Errorf("init translation engine: %w", err)
	}

	// The store reports integrity violations before the runner exists.
	var runnerRef atomic.Pointer[reconcile.Runner]
	store, err := openCache(ctx, config, storage.Options{
		OnIntegrityViolation: func(key domain.Key, count int) {
			if runner := runnerRef.Load(); runner != nil {
				runner.IntegrityHook()(key, count)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open translation cache: %w", err)
	}

	owner, err := id.WithPrefix("gw")
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registry := metrics.NewRegistry()
	deps, err := NewDeps(PipelineConfig{
		Cache:    store,
		Engine:   eng,
		Owner:    owner,
		Fanout:   config.Fanout,
		Resolver: language.Resolver{Default: config.DefaultLanguage, BaseOnly: config.BaseOnly},
		Registry: registry,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	runnerRef.Store(deps.Runner)

	scheduler, err := sweepScheduler(config, deps.Runner)
	if err != nil {
		_ = deps.Orchestrator.Close(context.Background())
		_ = store.Close()
		return nil, err
	}

	sweepCtx, sweepStop := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if scheduler == nil {
			_ = deps.Runner.Run(sweepCtx)
			return
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = scheduler.Run(sweepCtx)
		}()
		_ = deps.Runner.Run(sweepCtx)
		wg.Wait()
	}()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	log.Printf("chat gateway %s using %s cache", owner, cacheBackendName(config.CacheBackend))
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		httpServer:      httpServer,
		store:           store,
		orchestrator:    deps.Orchestrator,
		scheduler:       scheduler,
		sweepStop:       sweepStop,
		sweepDone:       sweepDone,
	}, nil
}

// PipelineConfig holds the collaborators NewDeps wires together.
type PipelineConfig struct {
	Cache    storage.Store
	Engine   engine.Engine
	Owner    string
	Fanout   fanout.Config
	Resolver language.Resolver
	Registry *prometheus.Registry
}

// NewDeps builds the participant directory, broadcaster, orchestrator and
// sweep runner over one cache.
func NewDeps(cfg PipelineConfig) (Deps, error) {
	if cfg.Cache == nil {
		return Deps{}, errors.New("translation cache is required")
	}
	directory := participants.NewDirectory()
	broadcaster := delivery.New(delivery.Options{
		Resolver:   cfg.Resolver,
		Registerer: cfg.Registry,
	})
	orchestrator, err := fanout.New(cfg.Fanout, fanout.Deps{
		Cache:       cfg.Cache,
		Engine:      cfg.Engine,
		Notifier:    broadcaster,
		Resolver:    cfg.Resolver,
		Preferences: directory,
		Owner:       cfg.Owner,
		Metrics:     fanout.NewMetrics(cfg.Registry),
	})
	if err != nil {
		return Deps{}, fmt.Errorf("init fanout: %w", err)
	}
	runner, err := reconcile.NewRunner(cfg.Cache, reconcile.Options{Registerer: cfg.Registry})
	if err != nil {
		return Deps{}, fmt.Errorf("init sweep runner: %w", err)
	}
	return Deps{
		Cache:        cfg.Cache,
		Sweeper:      cfg.Cache,
		Orchestrator: orchestrator,
		Broadcaster:  broadcaster,
		Directory:    directory,
		Runner:       runner,
		Resolver:     cfg.Resolver,
		Registry:     cfg.Registry,
	}, nil
}

func newEngine(config Config) (engine.Engine, error) {
	if url := strings.TrimSpace(config.EngineURL); url != "" {
		timeout := config.EngineTimeout
		if timeout <= 0 {
			timeout = timeouts.EngineCall
		}
		e, err := engine.NewHTTPEngine(engine.HTTPConfig{
			URL:               url,
			APIKey:            config.EngineAPIKey,
			Model:             config.EngineModel,
			HTTPClient:        &http.Client{Timeout: timeout},
			RequestsPerSecond: config.EngineRPS,
			Burst:             config.EngineBurst,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	if path := strings.TrimSpace(config.EngineDictionary); path != "" {
		d, err := engine.LoadDictionary(path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	log.Printf("no translation engine configured, using passthrough dictionary")
	return engine.NewDictionary(nil), nil
}

func openCache(ctx context.Context, config Config, opts storage.Options) (storage.Store, error) {
	switch cacheBackendName(config.CacheBackend) {
	case BackendMemory:
		return memory.New(opts), nil
	case BackendSQLite:
		if dir := filepath.Dir(config.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
		}
		s, err := sqlite.Open(ctx, config.DBPath, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPebble:
		s, err := pebble.Open(config.PebbleDir, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", config.CacheBackend)
	}
}

// sweepScheduler returns the cron schedule the gateway runs itself, or nil
// when the SQLite cache is left to the worker.
func sweepScheduler(config Config, runner *reconcile.Runner) (*reconcile.Scheduler, error) {
	if cacheBackendName(config.CacheBackend) == BackendSQLite {
		return nil, nil
	}
	scheduler, err := reconcile.NewScheduler(config.SweepCron, runner, nil)
	if err != nil {
		return nil, fmt.Errorf("init sweep schedule: %w", err)
	}
	return scheduler, nil
}

func cacheBackendName(backend string) string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		return BackendMemory
	}
	return backend
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close drains in-flight translations and releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.orchestrator != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		if err := s.orchestrator.Close(drainCtx); err != nil {
			log.Printf("drain translations: %v", err)
		}
		cancel()
	}
	if s.sweepStop != nil {
		s.sweepStop()
	}
	if s.sweepDone != nil {
		<-s.sweepDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close translation cache: %v", err)
		}
	}
}
