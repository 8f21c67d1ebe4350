package ports

import (
	"context"
	"encoding/json"
)

// TransportStatus is reported to status subscribers on every connectivity
// change of a SignalingTransport.
type TransportStatus int

const (
	// StatusConnected fires once, when the first connection is established.
	StatusConnected TransportStatus = iota
	// StatusDisconnected fires when a live connection drops and automatic
	// reconnection begins.
	StatusDisconnected
	// StatusReconnected fires when automatic reconnection succeeds.
	StatusReconnected
	// StatusFailed fires when the reconnect budget is exhausted. The
	// transport stays down until Connect is called again.
	StatusFailed
)

func (s TransportStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnected:
		return "reconnected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// EventHandler receives the raw payload of an inbound event.
type EventHandler func(payload json.RawMessage)

// SignalingTransport is a persistent, reconnecting message channel to the
// relay.
type SignalingTransport interface {
	// Connect returns once a live connection is confirmed, or a
	// ConnectionError after the retry budget is spent.
	Connect(ctx context.Context) error
	// Send is fire-and-forget. When not connected the message is dropped
	// and a warning is logged.
	Send(event string, payload any)
	// Request sends payload and decodes the matching response into out (if
	// non-nil). It fails with a TimeoutError when no response arrives in
	// time, or with the AppError carried in the response.
	Request(ctx context.Context, event string, payload any, out any) error
	// OnEvent registers a handler. Handlers for one event run in
	// registration order and survive reconnects.
	OnEvent(event string, handler EventHandler) (unsubscribe func())
	OnStatusChange(handler func(TransportStatus)) (unsubscribe func())
	Connected() bool
	Close() error
}
