// ABOUTME: Prometheus collectors for connections, handshakes, frames, deliveries, and asks
// ABOUTME: All recorder methods are nil-safe so components run unchanged with metrics disabled

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowlink"

// Label values shared with callers.
const (
	HandshakeAccepted = "accepted"
	HandshakeDenied   = "denied"

	DropBinary    = "binary"
	DropMalformed = "malformed"
	DropSafeMode  = "safe_mode"

	DeliveryOK          = "ok"
	DeliveryUnknownPeer = "unknown_peer"
	DeliveryError       = "error"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakes        *prometheus.CounterVec
	policyRejections  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	asks              *prometheus.CounterVec
	askDuration       *prometheus.HistogramVec
	converseEnabled   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently registered automation connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections admitted into the registry",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes",
		}, []string{"result"}),
		policyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_rejections_total",
			Help:      "Connections refused by the IP policy",
		}, []string{"reason"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by router kind",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before reaching the bus",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound deliveries to automation clients",
		}, []string{"result"}),
		asks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_total",
			Help:      "Ask-and-wait cycles by kind and outcome",
		}, []string{"kind", "outcome"}),
		askDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ask_duration_seconds",
			Help:      "Time spent waiting for an ask-and-wait cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		converseEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "converse_enabled",
			Help:      "1 while converse mode is enabled",
		}),
	}

	m.registry.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.handshakes,
		m.policyRejections,
		m.framesReceived,
		m.framesDropped,
		m.deliveries,
		m.asks,
		m.askDuration,
		m.converseEnabled,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) PolicyRejected(reason string) {
	if m == nil {
		return
	}
	m.policyRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// Ask records one finished ask-and-wait cycle.
func (m *Metrics) Ask(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.asks.WithLabelValues(kind, outcome).Inc()
	m.askDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) SetConverse(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.converseEnabled.Set(1)
	} else {
		m.converseEnabled.Set(0)
	}
}
