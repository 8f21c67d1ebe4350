package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.MetricsRecorder = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics    = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector_ClientMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.ObserveNegotiation("viewer", "connected", 120*time.Millisecond)
	c.ObserveNegotiation("viewer", "timeout", 15*time.Second)
	c.ObserveNegotiation("broadcaster", "connected", 80*time.Millisecond)
	c.SetPeerConnections(3)
	c.SetRegistryStreams(2)
	c.IncTransportReconnects()
	c.SetTransportConnected(true)
	c.ObserveSignalingRequest("join-stream", "ok", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsTotal.WithLabelValues("viewer", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsTotal.WithLabelValues("viewer", "timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.peerConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.registryStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportConnected))

	c.SetTransportConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.transportConnected))

	// Only connected negotiations are timed.
	assert.Equal(t, 2, testutil.CollectAndCount(c.negotiationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.signalingRequestDelay))
}

func TestPrometheusCollector_RelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SetRelayConnections(4)
	c.IncRelayMessage("offer")
	c.IncRelayMessage("offer")
	c.IncRelayMessage("made-up")

	expected := `
# HELP livecast_relay_messages_total Inbound relay messages by event
# TYPE livecast_relay_messages_total counter
livecast_relay_messages_total{event="offer"} 2
livecast_relay_messages_total{event="other"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "livecast_relay_messages_total"))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.relayConnections))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddDirectoryCheck(memory.NewStreamDirectory(0), time.Second)
	h.AddCheck("always_ok", func(context.Context) error { return nil }, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["stream_directory"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("broken", func(context.Context) error { return errors.New("disk on fire") }, 0)
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "disk on fire", status.Checks["broken"])
	assert.Equal(t, StatusHealthy, status.Checks["always_ok"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond)

	start := time.Now()
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Less(t, time.Since(start), time.Second)
}
