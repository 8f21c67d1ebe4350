package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder for clients and
// ports.RelayMetrics for the relay.
type PrometheusCollector struct {
	// Negotiation
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	peerConnections     prometheus.Gauge

	// Registry and transport
	registryStreams       prometheus.Gauge
	transportReconnects   prometheus.Counter
	transportConnected    prometheus.Gauge
	signalingRequestDelay *prometheus.HistogramVec

	// Relay
	relayConnections prometheus.Gauge
	relayMessages    *prometheus.CounterVec
}

// NewPrometheusCollector registers the livecast metrics with reg, or with
// the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_negotiations_total",
			Help: "Completed or failed offer/answer negotiations",
		}, []string{"role", "outcome"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_negotiation_duration_seconds",
			Help:    "Time from offer to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),

		peerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_peer_connections_active",
			Help: "Peer connections currently held by the client",
		}),

		registryStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_registry_streams",
			Help: "Live streams known to the client registry",
		}),

		transportReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecast_transport_reconnects_total",
			Help: "Successful reconnections of the signaling channel",
		}),

		transportConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_transport_connected",
			Help: "1 while the signaling channel is connected",
		}),

		signalingRequestDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_signaling_request_duration_seconds",
			Help:    "Round trip of signaling requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"event", "outcome"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_relay_connections_active",
			Help: "Participants connected to the relay",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_relay_messages_total",
			Help: "Inbound relay messages by event",
		}, []string{"event"}),
	}
}

func (p *PrometheusCollector) ObserveNegotiation(role, outcome string, duration time.Duration) {
	p.negotiationsTotal.WithLabelValues(role, outcome).Inc()
	if outcome == "connected" {
		p.negotiationDuration.WithLabelValues(role).Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) SetPeerConnections(n int) {
	p.peerConnections.Set(float64(n))
}

func (p *PrometheusCollector) SetRegistryStreams(n int) {
	p.registryStreams.Set(float64(n))
}

func (p *PrometheusCollector) IncTransportReconnects() {
	p.transportReconnects.Inc()
}

func (p *PrometheusCollector) SetTransportConnected(connected bool) {
	if connected {
		p.transportConnected.Set(1)
		return
	}
	p.transportConnected.Set(0)
}

func (p *PrometheusCollector) ObserveSignalingRequest(event, outcome string, duration time.Duration) {
	p.signalingRequestDelay.WithLabelValues(event, outcome).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetRelayConnections(n int) {
	p.relayConnections.Set(float64(n))
}

// IncRelayMessage counts an inbound message. Unknown event names are
// folded into "other" to bound label cardinality.
func (p *PrometheusCollector) IncRelayMessage(event string) {
	if !knownEvents[event] {
		event = "other"
	}
	p.relayMessages.WithLabelValues(event).Inc()
}

var knownEvents = map[string]bool{
	"create-stream":      true,
	"join-stream":        true,
	"leave-stream":       true,
	"end-stream":         true,
	"offer":              true,
	"answer":             true,
	"ice-candidate":      true,
	"get-active-streams": true,
}
