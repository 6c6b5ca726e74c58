package parleyctl

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	platformgrpc "github.com/louisbranch/parley/internal/platform/grpc"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/sqlite"
	workerapp "github.com/louisbranch/parley/internal/services/worker/app"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Backend:      "sqlite",
		DBPath:       filepath.Join(dir, "translations.db"),
		PebbleDir:    filepath.Join(dir, "translations.pebble"),
		WorkerDBPath: filepath.Join(dir, "worker.db"),
		DialTimeout:  2 * time.Second,
	}
}

func seedDuplicates(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, path, storage.Options{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()
	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"salut", "bonjour", "coucou"} {
		rec := domain.TranslationRecord{
			MessageID:         "msg1",
			TargetLanguage:    "fr",
			TranslatedContent: content,
			EngineModelID:     "dict",
			CreatedAt:         base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Append(ctx, domain.TranslationRecord{
		MessageID:         "msg1",
		TargetLanguage:    "es",
		TranslatedContent: "hola",
		CreatedAt:         base,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func execute(t *testing.T, cfg Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(cfg, &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDuplicatesThenSweep(t *testing.T) {
	cfg := testConfig(t)
	seedDuplicates(t, cfg.DBPath)

	out, err := execute(t, cfg, "duplicates")
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if !strings.Contains(out, "msg1") || !strings.Contains(out, "fr") || !strings.Contains(out, "3") {
		t.Fatalf("duplicates output = %q", out)
	}
	if strings.Contains(out, "es") {
		t.Fatalf("single-record key listed: %q", out)
	}

	out, err = execute(t, cfg, "sweep", "--record")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "removed 2 duplicate records") {
		t.Fatalf("sweep output = %q", out)
	}

	out, err = execute(t, cfg, "duplicates")
	if err != nil {
		t.Fatalf("duplicates after sweep: %v", err)
	}
	if !strings.Contains(out, "no duplicate records") {
		t.Fatalf("duplicates after sweep = %q", out)
	}

	out, err = execute(t, cfg, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "manual") {
		t.Fatalf("runs output = %q", out)
	}
}

func TestGetShowsNewestRecord(t *testing.T) {
	cfg := testConfig(t)
	seedDuplicates(t, cfg.DBPath)

	out, err := execute(t, cfg, "get", "msg1", "fr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "coucou") || strings.Contains(out, "salut") {
		t.Fatalf("get output = %q", out)
	}

	out, err = execute(t, cfg, "get", "msg1")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if !strings.Contains(out, "hola") || !strings.Contains(out, "coucou") {
		t.Fatalf("get all output = %q", out)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	cfg := testConfig(t)
	_, err := execute(t, cfg, "get", "missing", "fr")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestRunsEmpty(t *testing.T) {
	out, err := execute(t, testConfig(t), "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "no sweep runs recorded") {
		t.Fatalf("runs output = %q", out)
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "redis"
	if _, err := execute(t, cfg, "duplicates"); err == nil || !strings.Contains(err.Error(), "unknown cache backend") {
		t.Fatalf("err = %v, want unknown backend", err)
	}
}

func TestPebbleBackendSweep(t *testing.T) {
	cfg := testConfig(t)
	out, err := execute(t, cfg, "--cache", "pebble", "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "removed 0 duplicate records") {
		t.Fatalf("sweep output = %q", out)
	}
}

func TestHealthReportsServing(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, health := platformgrpc.NewHealthServer(workerapp.HealthService)
	health.SetServingStatus(workerapp.HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	cfg := testConfig(t)
	cfg.WorkerAddr = lis.Addr().String()
	out, err := execute(t, cfg, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "SERVING") {
		t.Fatalf("health output = %q", out)
	}
}

func TestHealthFailsWhenNotServing(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, _ := platformgrpc.NewHealthServer(workerapp.HealthService)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	cfg := testConfig(t)
	cfg.WorkerAddr = lis.Addr().String()
	cfg.DialTimeout = 300 * time.Millisecond
	if _, err := execute(t, cfg, "health"); err == nil {
		t.Fatal("expected health failure")
	}
}

func TestSweepViaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/sweep" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_id":"sweep_1","trigger":"manual","removed":1200,"pruned_claims":3}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	out, err := execute(t, cfg, "sweep", "--via-chat", "--chat-url", srv.URL)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "run sweep_1 removed 1,200 duplicate records") {
		t.Fatalf("sweep output = %q", out)
	}
}

func TestSweepViaChatReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"UNAVAILABLE","message":"database is locked","retryable":true}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ChatURL = srv.URL
	_, err := execute(t, cfg, "sweep", "--via-chat")
	if err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("err = %v, want chat failure", err)
	}
}

func TestLoadConfigUsesServiceDefaults(t *testing.T) {
	t.Setenv("PARLEY_WORKER_ADDR", "")
	t.Setenv("PARLEY_CHAT_URL", "http://localhost:8086")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerAddr != "worker:8089" {
		t.Fatalf("worker addr = %q, want %q", cfg.WorkerAddr, "worker:8089")
	}
	if cfg.ChatURL != "http://localhost:8086" {
		t.Fatalf("chat url = %q, want env value", cfg.ChatURL)
	}
	if cfg.Backend != "sqlite" || cfg.DBPath != "data/translations.db" {
		t.Fatalf("cache defaults = %q %q", cfg.Backend, cfg.DBPath)
	}
}
