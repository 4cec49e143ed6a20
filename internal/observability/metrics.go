package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "msgcore"

// Metrics holds the exchange's Prometheus collectors. Each instance owns its
// own registry so independent servers in one process do not collide.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ClientsConnected   prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	MessagesReceived   prometheus.Counter
	MessagesDispatched *prometheus.CounterVec
	SendFailures       prometheus.Counter
	DecryptFallbacks   prometheus.Counter
	RateLimited        prometheus.Counter
	TickDuration       prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a fresh registry,
// together with the Go runtime and process collectors.
//
// Postcondition: Returns a non-nil Metrics ready for use.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Clients currently registered.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Clients registered since start.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Lines enqueued from client receive loops.",
		}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Messages routed by the dispatcher, by kind.",
		}, []string{"kind"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends that returned an error.",
		}),
		DecryptFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_fallbacks_total",
			Help:      "Inbound lines that looked encrypted but failed to decrypt.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound lines dropped by the per-client rate limit.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_tick_seconds",
			Help:      "Time spent draining and routing one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ClientsConnected,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.MessagesDispatched,
		m.SendFailures,
		m.DecryptFallbacks,
		m.RateLimited,
		m.TickDuration,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ClientConnected records a newly registered client.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
	m.ConnectionsTotal.Inc()
}

// ClientDisconnected records a client leaving the registry.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

// MessageReceived records one enqueued inbound line.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// Dispatched records one routed message of the given kind.
func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.MessagesDispatched.WithLabelValues(kind).Inc()
}

// SendFailed records a failed outbound send.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// DecryptFallback records an inbound line kept verbatim after a failed decrypt.
func (m *Metrics) DecryptFallback() {
	if m == nil {
		return
	}
	m.DecryptFallbacks.Inc()
}

// RateLimitDropped records an inbound line dropped by the rate limiter.
func (m *Metrics) RateLimitDropped() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveTick records the duration of one dispatcher batch.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}
