package fanout

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
)

// Metrics records fan-out outcomes. A nil *Metrics records nothing.
type Metrics struct {
	claims         *prometheus.CounterVec
	engineAttempts *prometheus.CounterVec
	engineDuration prometheus.Histogram
	commits        *prometheus.CounterVec
	releases       prometheus.Counter
	stale          prometheus.Counter
	failures       *prometheus.CounterVec
	inflight       prometheus.Gauge
}

// NewMetrics registers fan-out collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "claims_total",
			Help:      "Translation claims by result (acquired, duplicate, error).",
		}, []string{"result"}),
		engineAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "engine_attempts_total",
			Help:      "Translation engine calls by outcome (success, unavailable, rejected).",
		}, []string{"outcome"}),
		engineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "engine_call_seconds",
			Help:      "Latency of single translation engine calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "commits_total",
			Help:      "Translation commits by result (ok, claim_lost, error).",
		}, []string{"result"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "releases_total",
			Help:      "Claims released after a failed dispatch.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "stale_results_total",
			Help:      "Committed translations not delivered because the message changed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "failures_total",
			Help:      "Per-language dispatches that gave up, by error code.",
		}, []string{"code"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "fanout",
			Name:      "inflight",
			Help:      "Per-language dispatches currently running.",
		}),
	}
	cs := metrics.Register(reg,
		m.claims,
		m.engineAttempts,
		m.engineDuration,
		m.commits,
		m.releases,
		m.stale,
		m.failures,
		m.inflight,
	)
	m.claims = cs[0].(*prometheus.CounterVec)
	m.engineAttempts = cs[1].(*prometheus.CounterVec)
	m.engineDuration = cs[2].(prometheus.Histogram)
	m.commits = cs[3].(*prometheus.CounterVec)
	m.releases = cs[4].(prometheus.Counter)
	m.stale = cs[5].(prometheus.Counter)
	m.failures = cs[6].(*prometheus.CounterVec)
	m.inflight = cs[7].(prometheus.Gauge)
	return m
}

func (m *Metrics) claim(result string) {
	if m != nil {
		m.claims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) engineAttempt(outcome string, seconds float64) {
	if m != nil {
		m.engineAttempts.WithLabelValues(outcome).Inc()
		m.engineDuration.Observe(seconds)
	}
}

func (m *Metrics) commit(result string) {
	if m != nil {
		m.commits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) release() {
	if m != nil {
		m.releases.Inc()
	}
}

func (m *Metrics) staleResult() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) failure(code string) {
	if m != nil {
		m.failures.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) addInflight(delta float64) {
	if m != nil {
		m.inflight.Add(delta)
	}
}
