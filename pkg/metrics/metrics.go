// Package metrics exposes Prometheus instrumentation for the session
// core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one server instance. A fresh registry
// per instance keeps tests from tripping over duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated    *prometheus.CounterVec
	SessionsClosed     *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	EventsAppended     *prometheus.CounterVec
	EventBytes         prometheus.Counter
	AppendDuration     prometheus.Histogram
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter
	ClientsConnected   prometheus.Gauge
	BacklogEvents      prometheus.Histogram
}

// New creates the metric set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_sessions_created_total",
			Help: "Run sessions created, by kind.",
		}, []string{"kind"}),

		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_sessions_closed_total",
			Help: "Run sessions that reached a terminal status, by status.",
		}, []string{"status"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_sessions_active",
			Help: "Live run sessions with an open adapter handle.",
		}),

		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_events_appended_total",
			Help: "Events appended to session logs, by channel.",
		}, []string{"channel"}),

		EventBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_event_bytes_total",
			Help: "Total payload bytes appended to session logs.",
		}),

		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_event_append_duration_seconds",
			Help:    "Latency of persisting one event.",
			Buckets: prometheus.DefBuckets,
		}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_subscribers",
			Help: "Live event subscribers across all run sessions.",
		}),

		SubscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind the event stream.",
		}),

		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_clients_connected",
			Help: "Open gateway connections.",
		}),

		BacklogEvents: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_attach_backlog_events",
			Help:    "Backlog events delivered per attach.",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
