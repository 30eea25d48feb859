// Package metrics exposes Prometheus collectors for connection lifecycle,
// capability probing, key-tree listings and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/kvconsole/internal/storage"
)

const namespace = "kvconsole"

// Metrics holds the collectors incremented on the lifecycle and request
// paths. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionEvents *prometheus.CounterVec
	Probes           *prometheus.CounterVec
	AutoUpgrades     prometheus.Counter
	HealthChecks     *prometheus.CounterVec
	TreeLevels       prometheus.Histogram
	RequestDuration  *prometheus.HistogramVec

	reg *prometheus.Registry
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ConnectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_events_total",
				Help:      "Store client lifecycle events, partitioned by event and connection kind.",
			},
			[]string{"event", "kind"},
		),
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_probes_total",
				Help:      "Capability probe queries, partitioned by query and outcome.",
			},
			[]string{"query", "outcome"},
		),
		AutoUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_auto_upgrades_total",
			Help:      "Standalone connections replaced by cluster connections after detection.",
		}),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Periodic connection health checks, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		TreeLevels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keytree_level_nodes",
			Help:      "Number of nodes returned per key-tree level.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency, partitioned by route, method and status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		reg: reg,
	}
	reg.MustRegister(
		m.ConnectionEvents,
		m.Probes,
		m.AutoUpgrades,
		m.HealthChecks,
		m.TreeLevels,
		m.RequestDuration,
	)
	return m
}

// Handler serves the registry the metrics were created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Watch registers a Collector reporting the handles of source.
func (m *Metrics) Watch(source HandleSource) {
	m.reg.MustRegister(NewCollector(source))
}

func (m *Metrics) ConnectionEvent(ev storage.Event, kind string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(string(ev), kind).Inc()
}

func (m *Metrics) Probe(query string, err error) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(query, outcome(err)).Inc()
}

func (m *Metrics) AutoUpgrade() {
	if m == nil {
		return
	}
	m.AutoUpgrades.Inc()
}

func (m *Metrics) HealthCheck(err error) {
	if m == nil {
		return
	}
	m.HealthChecks.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) TreeLevel(nodes int) {
	if m == nil {
		return
	}
	m.TreeLevels.Observe(float64(nodes))
}

func (m *Metrics) Request(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
