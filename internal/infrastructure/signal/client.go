package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/config"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/event"
	"livecast/pkg/retry"
	"livecast/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errNotConnected = errors.New("signaling channel not connected")

// ClientConfig configures a WebSocketTransport.
type ClientConfig struct {
	URL string
	// Token is sent as a bearer token. Without one, ParticipantID is passed
	// as the participant_id query parameter.
	Token         string
	ParticipantID domain.ParticipantID

	ConnectAttempts int
	AttemptTimeout  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RequestTimeout  time.Duration
	WriteTimeout    time.Duration
	// ReadTimeout bounds the silence between frames or pings from the relay.
	ReadTimeout    time.Duration
	MaxMessageSize int64

	MessagesPerSecond float64
	Burst             int
}

// ClientConfigFrom derives the transport settings from the application
// config.
func ClientConfigFrom(cfg *config.Config, participantID domain.ParticipantID) ClientConfig {
	return ClientConfig{
		URL:               cfg.Client.RelayURL,
		Token:             cfg.Client.Token,
		ParticipantID:     participantID,
		ConnectAttempts:   cfg.Client.ConnectAttempts,
		AttemptTimeout:    cfg.Client.AttemptTimeout,
		InitialBackoff:    cfg.Client.InitialBackoff,
		MaxBackoff:        cfg.Client.MaxBackoff,
		RequestTimeout:    cfg.Client.RequestTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		ReadTimeout:       cfg.Signal.PongTimeout,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.Client.MessagesPerSecond,
		Burst:             cfg.Client.Burst,
	}
}

func (c *ClientConfig) setDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 40 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
}

// WebSocketTransport is the client side of the signaling channel. A single
// read goroutine dispatches inbound events to handlers in registration
// order and routes responses to waiting requests. When the connection
// drops it reconnects with the same backoff budget used by Connect.
type WebSocketTransport struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[string]*event.Feed[json.RawMessage]
	status     event.Feed[ports.TransportStatus]

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebSocketTransport(cfg ClientConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WebSocketTransport {
	cfg.setDefaults()
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.AttemptTimeout,
		},
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string]*event.Feed[json.RawMessage]),
		pending:  make(map[string]chan Envelope),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the relay, retrying with exponential backoff. It returns a
// ConnectionError once the attempt budget is spent.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.RLock()
	closed, connected := t.closed, t.connected
	t.mu.RUnlock()
	if closed {
		return apperrors.NewConnectionError("transport closed", nil)
	}
	if connected {
		return nil
	}

	if err := retry.Do(ctx, t.retryConfig(), t.dial); err != nil {
		t.logger.Errorw("failed to connect to relay", "url", t.cfg.URL, "error", err)
		return apperrors.NewConnectionError(fmt.Sprintf("relay %s unreachable", t.cfg.URL), err)
	}

	t.logger.Infow("connected to relay", "url", t.cfg.URL)
	t.status.Publish(ports.StatusConnected)
	return nil
}

func (t *WebSocketTransport) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    t.cfg.ConnectAttempts,
		AttemptTimeout: t.cfg.AttemptTimeout,
		InitialDelay:   t.cfg.InitialBackoff,
		MaxDelay:       t.cfg.MaxBackoff,
		Multiplier:     2.0,
		Jitter:         true,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			t.logger.Warnw("relay connection attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
		},
	}
}

func (t *WebSocketTransport) dial(ctx context.Context) error {
	target, header, err := t.endpoint()
	if err != nil {
		return retry.Permanent(err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return retry.Permanent(apperrors.NewUnauthorizedError("relay rejected credentials"))
		}
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return retry.Permanent(errors.New("transport closed"))
	}
	t.conn = conn
	t.connected = true
	t.wg.Add(1)
	t.mu.Unlock()

	t.metrics.SetTransportConnected(true)
	go t.readLoop(conn)
	return nil
}

func (t *WebSocketTransport) endpoint() (string, http.Header, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid relay url: %w", err)
	}
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	} else if t.cfg.ParticipantID != "" {
		q := u.Query()
		q.Set("participant_id", string(t.cfg.ParticipantID))
		u.RawQuery = q.Encode()
	}
	return u.String(), header, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warnw("discarding malformed frame", "error", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *WebSocketTransport) dispatch(env Envelope) {
	if env.ReplyTo != "" {
		t.pendingMu.Lock()
		ch, ok := t.pending[env.ReplyTo]
		delete(t.pending, env.ReplyTo)
		t.pendingMu.Unlock()
		if ok {
			ch <- env
		} else {
			t.logger.Debugw("dropping late response", "event", env.Event, "reply_to", env.ReplyTo)
		}
		return
	}

	if env.Error != nil {
		t.logger.Warnw("relay reported an error", "event", env.Event, "code", env.Error.Code, "message", env.Error.Message)
		return
	}

	t.handlersMu.Lock()
	feed := t.handlers[env.Event]
	t.handlersMu.Unlock()
	if feed == nil {
		t.logger.Debugw("no handler for event", "event", env.Event)
		return
	}
	feed.Publish(env.Payload)
}

func (t *WebSocketTransport) handleDrop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	closed := t.closed
	if !closed {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	conn.Close()
	t.failPending()
	t.metrics.SetTransportConnected(false)
	if closed {
		return
	}

	t.logger.Warnw("relay connection lost, reconnecting", "error", cause)
	t.status.Publish(ports.StatusDisconnected)
	go t.reconnect()
}

func (t *WebSocketTransport) reconnect() {
	defer t.wg.Done()

	if err := retry.Do(t.ctx, t.retryConfig(), t.dial); err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Errorw("reconnect budget exhausted", "url", t.cfg.URL, "error", err)
		t.status.Publish(ports.StatusFailed)
		return
	}

	t.metrics.IncTransportReconnects()
	t.logger.Infow("reconnected to relay", "url", t.cfg.URL)
	t.status.Publish(ports.StatusReconnected)
}

// Send writes a fire-and-forget message. Failures are logged, not returned.
func (t *WebSocketTransport) Send(eventName string, payload any) {
	env, err := newEnvelope(eventName, payload)
	if err != nil {
		t.logger.Errorw("failed to encode message", "event", eventName, "error", err)
		return
	}
	if err := t.write(t.ctx, env); err != nil {
		t.logger.Warnw("dropping outbound message", "event", eventName, "error", err)
	}
}

// Request sends a request and waits for the matching response.
func (t *WebSocketTransport) Request(ctx context.Context, eventName string, payload any, out any) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceSignal(ctx, eventName)
	defer func() {
		tracing.End(span, err)
		t.metrics.ObserveSignalingRequest(eventName, outcomeOf(err), time.Since(start))
	}()

	env, err := newEnvelope(eventName, payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "cannot encode request")
	}
	env.ID = uuid.NewString()

	ch := make(chan Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.write(ctx, env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewConnectionError("cannot send "+eventName, err)
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.AppError()
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return apperrors.WrapError(err, apperrors.ErrCodeInternal, "malformed "+eventName+" response")
			}
		}
		return nil
	case <-timer.C:
		return apperrors.NewTimeoutError(eventName)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return apperrors.NewConnectionError("transport closed", nil)
	}
}

func (t *WebSocketTransport) write(ctx context.Context, env Envelope) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteJSON(env)
}

// failPending fails every request waiting for a response.
func (t *WebSocketTransport) failPending() {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan Envelope)
	t.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- Envelope{Error: &ErrorBody{Code: apperrors.ErrCodeConnection, Message: "connection lost before response"}}
	}
}

// OnEvent registers handler for eventName. Registrations survive
// reconnects.
func (t *WebSocketTransport) OnEvent(eventName string, handler ports.EventHandler) func() {
	t.handlersMu.Lock()
	feed, ok := t.handlers[eventName]
	if !ok {
		feed = &event.Feed[json.RawMessage]{}
		t.handlers[eventName] = feed
	}
	t.handlersMu.Unlock()
	return feed.Subscribe(handler)
}

func (t *WebSocketTransport) OnStatusChange(handler func(ports.TransportStatus)) func() {
	return t.status.Subscribe(handler)
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close shuts the connection down and stops reconnecting. Pending requests
// fail with a ConnectionError.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	t.wg.Wait()
	t.failPending()
	t.metrics.SetTransportConnected(false)
	return err
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperrors.CodeOf(err))
}
