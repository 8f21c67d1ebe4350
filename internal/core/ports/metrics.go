package ports

import "time"

// MetricsRecorder receives client-side signaling and negotiation metrics.
type MetricsRecorder interface {
	ObserveNegotiation(role, outcome string, duration time.Duration)
	SetPeerConnections(n int)
	SetRegistryStreams(n int)
	IncTransportReconnects()
	SetTransportConnected(connected bool)
	ObserveSignalingRequest(event, outcome string, duration time.Duration)
}

// RelayMetrics receives relay-side metrics.
type RelayMetrics interface {
	SetRelayConnections(n int)
	IncRelayMessage(event string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveNegotiation(string, string, time.Duration)      {}
func (NopMetrics) SetPeerConnections(int)                                {}
func (NopMetrics) SetRegistryStreams(int)                                {}
func (NopMetrics) IncTransportReconnects()                               {}
func (NopMetrics) SetTransportConnected(bool)                            {}
func (NopMetrics) ObserveSignalingRequest(string, string, time.Duration) {}
func (NopMetrics) SetRelayConnections(int)                               {}
func (NopMetrics) IncRelayMessage(string)                                {}
