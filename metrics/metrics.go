package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	upstreamConnections prometheus.Gauge
	createFailures      prometheus.Counter
	framesForwarded     prometheus.Counter
	framesBuffered      prometheus.Counter
	framesDropped       prometheus.Counter
	restarts            prometheus.Counter
	upstreamClosed      prometheus.Counter
	protocolErrors      prometheus.Counter
	publishes           *prometheus.CounterVec
	listeners           *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "babelfish_upstream_connections",
			Help: "Provider connections currently registered in the pool",
		}),
		createFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_upstream_create_failures_total",
			Help: "Provider connections that could not be created or opened",
		}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_frames_forwarded_total",
			Help: "Audio frames written to provider connections",
		}),
		framesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_frames_buffered_total",
			Help: "Audio frames queued while a provider connection was pending",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_frames_dropped_total",
			Help: "Buffered audio frames dropped by the buffer cap",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_session_restarts_total",
			Help: "Speaker sessions restarted after an active language change",
		}),
		upstreamClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_upstream_closed_total",
			Help: "Provider connections closed by the remote side or by an error",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "babelfish_protocol_errors_total",
			Help: "Provider messages that could not be processed",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "babelfish_publishes_total",
			Help: "Broadcast publishes by kind",
		}, []string{"kind"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "babelfish_listeners",
			Help: "Listeners connected to this process by language",
		}, []string{"language"}),
	}

	m.registry.MustRegister(
		m.upstreamConnections,
		m.createFailures,
		m.framesForwarded,
		m.framesBuffered,
		m.framesDropped,
		m.restarts,
		m.upstreamClosed,
		m.protocolErrors,
		m.publishes,
		m.listeners,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.upstreamConnections.Inc()
	}
}

func (m *Metrics) ConnectionRemoved() {
	if m != nil {
		m.upstreamConnections.Dec()
	}
}

func (m *Metrics) CreateFailed() {
	if m != nil {
		m.createFailures.Inc()
	}
}

func (m *Metrics) FrameForwarded(n int) {
	if m != nil {
		m.framesForwarded.Add(float64(n))
	}
}

func (m *Metrics) FrameBuffered() {
	if m != nil {
		m.framesBuffered.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) Restarted() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) UpstreamClosed() {
	if m != nil {
		m.upstreamClosed.Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) Published(kind string) {
	if m != nil {
		m.publishes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetListeners(byLanguage map[string]int) {
	if m == nil {
		return
	}
	m.listeners.Reset()
	for l, n := range byLanguage {
		m.listeners.WithLabelValues(l).Set(float64(n))
	}
}
