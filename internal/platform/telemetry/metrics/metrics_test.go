package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerExposesRegisteredCounter(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_events_total",
		Help:      "Test counter.",
	})
	Register(reg, counter)
	counter.Add(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "parley_test_events_total 3") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected go runtime collector output")
	}
}

func TestRegisterReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Namespace: Namespace, Name: "dup_total", Help: "Dup."}
	first := prometheus.NewCounter(opts)
	second := prometheus.NewCounter(opts)

	Register(reg, first)
	got := Register(reg, second)
	if got[0] != first {
		t.Fatal("expected existing collector to be returned")
	}
}

func TestRegisterNilRegistererKeepsCollectors(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "nil_reg_total", Help: "Nil."})
	got := Register(nil, counter)
	if got[0] != counter {
		t.Fatal("expected collector passthrough")
	}
}
