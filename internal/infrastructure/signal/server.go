package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/config"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	outboundBuffer   = 64
	directoryTimeout = 5 * time.Second
)

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// Per-connection inbound limit. Zero disables it.
	MessagesPerSecond float64
	Burst             int
}

func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}

// RelayServer is the signaling relay. It keeps the stream directory,
// forwards negotiation messages between participants and pushes directory
// changes to every connected client.
type RelayServer struct {
	cfg       RelayConfig
	directory ports.StreamDirectory
	metrics   ports.RelayMetrics
	logger    *zap.SugaredLogger

	// mu serializes directory mutations with the notifications they cause.
	mu      sync.Mutex
	conns   map[domain.ParticipantID]*relayConn
	viewers map[domain.StreamID]map[domain.ParticipantID]struct{}
}

type relayConn struct {
	id      domain.ParticipantID
	ws      *websocket.Conn
	out     chan Envelope
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func NewRelayServer(cfg RelayConfig, directory ports.StreamDirectory, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayServer{
		cfg:       cfg,
		directory: directory,
		metrics:   metrics,
		logger:    logger,
		conns:     make(map[domain.ParticipantID]*relayConn),
		viewers:   make(map[domain.StreamID]map[domain.ParticipantID]struct{}),
	}
}

// HandleConnection upgrades the request and serves participant until the
// connection closes. The caller is responsible for authenticating id.
func (s *RelayServer) HandleConnection(w http.ResponseWriter, r *http.Request, id domain.ParticipantID) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	limit := rate.Inf
	if s.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(s.cfg.MessagesPerSecond)
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &relayConn{
		id:      id,
		ws:      ws,
		out:     make(chan Envelope, outboundBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
	}

	reconnect := s.register(c)
	s.logger.Infow("participant connected", "participant_id", id, "reconnect", reconnect)

	go s.writePump(c)
	s.readPump(c)

	c.close()
	s.unregister(c)
}

func (s *RelayServer) register(c *relayConn) bool {
	s.mu.Lock()
	old, reconnect := s.conns[c.id]
	s.conns[c.id] = c
	n := len(s.conns)
	s.mu.Unlock()

	if reconnect {
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", c.id)
		old.close()
	}
	s.metrics.SetRelayConnections(n)
	return reconnect
}

// unregister drops c and, unless the participant has already reconnected,
// ends its streams and removes it from the streams it was watching.
func (s *RelayServer) unregister(c *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[c.id] != c {
		return
	}
	delete(s.conns, c.id)
	s.metrics.SetRelayConnections(len(s.conns))
	s.logger.Infow("participant disconnected", "participant_id", c.id)

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	sessions, err := s.directory.ListActive(ctx)
	if err != nil {
		s.logger.Errorw("failed to list streams for cleanup", "participant_id", c.id, "error", err)
	}
	changed := false
	for _, session := range sessions {
		if session.BroadcasterID == c.id {
			s.endStreamLocked(ctx, session.ID)
			changed = true
		}
	}
	for streamID := range s.viewers {
		if s.removeViewerLocked(ctx, streamID, c.id) {
			changed = true
		}
	}
	if changed {
		s.broadcastUpdateLocked(ctx)
	}
}

func (s *RelayServer) readPump(c *relayConn) {
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := s.directory.Touch(ctx, c.id); err != nil {
			s.logger.Warnw("failed to refresh stream expiry", "participant_id", c.id, "error", err)
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from participant", "participant_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.send(Envelope{Error: &ErrorBody{Code: apperrors.ErrCodeInvalidInput, Message: "malformed frame"}}, s.logger)
			continue
		}
		if !c.limiter.Allow() {
			s.reply(c, env, nil, apperrors.NewRateLimitError())
			continue
		}
		s.metrics.IncRelayMessage(env.Event)
		s.handle(c, env)
	}
}

func (s *RelayServer) writePump(c *relayConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				s.logger.Infow("error writing to participant", "participant_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", c.id, "error", err)
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// send queues env without blocking. A participant that cannot keep up is
// disconnected.
func (c *relayConn) send(env Envelope, logger *zap.SugaredLogger) {
	select {
	case <-c.done:
	case c.out <- env:
	default:
		logger.Warnw("outbound buffer full, dropping participant", "participant_id", c.id)
		c.close()
	}
}

func (c *relayConn) close() {
	c.once.Do(func() {
		close(c.done)
		// Unblocks readPump; writePump drains via done.
		_ = c.ws.SetReadDeadline(time.Now())
	})
}

func (s *RelayServer) handle(c *relayConn, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch env.Event {
	case domain.EventCreateStream:
		result, err = s.createStream(ctx, c, env.Payload)
	case domain.EventJoinStream:
		result, err = s.joinStream(ctx, c, env.Payload)
	case domain.EventLeaveStream:
		err = s.leaveStream(ctx, c, env.Payload)
	case domain.EventEndStream:
		err = s.endStream(ctx, c, env.Payload)
	case domain.EventOffer:
		var p domain.OfferPayload
		if err = decodePayload(env, &p); err == nil {
			if err = validation.ValidateSDP(p.Offer.SDP); err == nil {
				target := p.UserID
				p.UserID = c.id
				err = s.forward(c, env.Event, target, p)
			}
		}
	case domain.EventAnswer:
		var p domain.AnswerPayload
		if err = decodePayload(env, &p); err == nil {
			if err = validation.ValidateSDP(p.Answer.SDP); err == nil {
				target := p.UserID
				p.UserID = c.id
				err = s.forward(c, env.Event, target, p)
			}
		}
	case domain.EventICECandidate:
		var p domain.CandidatePayload
		if err = decodePayload(env, &p); err == nil {
			target := p.UserID
			p.UserID = c.id
			err = s.forward(c, env.Event, target, p)
		}
	case domain.EventGetActiveStreams:
		result, err = s.activeStreams(ctx)
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown event %q", env.Event))
	}

	if err != nil && apperrors.GetAppError(err) == nil {
		err = apperrors.NewInvalidInputError(err.Error())
	}
	s.reply(c, env, result, err)
}

// reply answers a request. Fire-and-forget messages only get a reply when
// they fail.
func (s *RelayServer) reply(c *relayConn, req Envelope, result any, err error) {
	if err != nil {
		s.logger.Infow("rejected message from participant", "participant_id", c.id, "event", req.Event, "error", err)
	}
	if req.ID == "" && err == nil {
		return
	}

	out := Envelope{Event: req.Event, ReplyTo: req.ID}
	if err != nil {
		out.Error = errorBodyFrom(err)
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			out.Error = errorBodyFrom(apperrors.WrapError(mErr, apperrors.ErrCodeInternal, "cannot encode response"))
		} else {
			out.Payload = raw
		}
	}
	c.send(out, s.logger)
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return apperrors.NewInvalidInputError(env.Event + " payload is required")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid %s payload: %v", env.Event, err))
	}
	return nil
}

func (s *RelayServer) createStream(ctx context.Context, c *relayConn, raw json.RawMessage) (any, error) {
	var p domain.CreateStreamPayload
	if err := decodePayload(Envelope{Event: domain.EventCreateStream, Payload: raw}, &p); err != nil {
		return nil, err
	}
	if p.UserID != "" && p.UserID != c.id {
		return nil, apperrors.NewUnauthorizedError("userId does not match the connection")
	}
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	session := domain.NewStreamSession(p.StreamID, c.id, domain.StreamMetadata{
		Title:        p.Title,
		Category:     p.Category,
		ThumbnailRef: p.ThumbnailRef,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.directory.Get(ctx, p.StreamID)
	switch {
	case err == nil && existing.BroadcasterID == c.id:
		// Re-announce after a reconnect.
		return existing, nil
	case err == nil:
		return nil, apperrors.WrapError(domain.ErrStreamAlreadyLive, apperrors.ErrCodeConflict,
			fmt.Sprintf("stream %s is already live", p.StreamID))
	case !errors.Is(err, domain.ErrStreamNotFound):
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream directory unavailable")
	}

	if err := s.directory.Create(ctx, session); err != nil {
		if errors.Is(err, domain.ErrStreamAlreadyLive) {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeConflict,
				fmt.Sprintf("stream %s is already live", p.StreamID))
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream directory unavailable")
	}

	s.logger.Infow("stream created", "stream_id", session.ID, "participant_id", c.id)
	started := Envelope{Event: domain.EventStreamStarted}
	started.Payload, _ = json.Marshal(domain.StreamStartedPayload{
		StreamID:     session.ID,
		UserID:       c.id,
		Title:        session.Title,
		Category:     session.Category,
		ThumbnailRef: session.ThumbnailRef,
	})
	for id, other := range s.conns {
		if id != c.id {
			other.send(started, s.logger)
		}
	}
	s.broadcastUpdateLocked(ctx)
	return session, nil
}

func validateCreate(p domain.CreateStreamPayload) error {
	checks := []error{
		validation.ValidateStreamID(string(p.StreamID)),
		validation.ValidateStreamTitle(p.Title),
		validation.ValidateCategory(p.Category),
		validation.ValidateThumbnailRef(p.ThumbnailRef),
	}
	for _, err := range checks {
		if err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return nil
}

func (s *RelayServer) joinStream(ctx context.Context, c *relayConn, raw json.RawMessage) (any, error) {
	var p domain.StreamRef
	if err := decodePayload(Envelope{Event: domain.EventJoinStream, Payload: raw}, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateStreamID(string(p.StreamID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.directory.Get(ctx, p.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return nil, apperrors.NewNotFoundError("stream " + string(p.StreamID))
	}
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream directory unavailable")
	}
	if session.BroadcasterID == c.id {
		return nil, apperrors.NewInvalidInputError("cannot join your own stream")
	}

	viewers := s.viewers[p.StreamID]
	if viewers == nil {
		viewers = make(map[domain.ParticipantID]struct{})
		s.viewers[p.StreamID] = viewers
	}
	viewers[c.id] = struct{}{}
	session.ViewerCount = uint(len(viewers))
	if err := s.directory.Update(ctx, session); err != nil {
		s.logger.Warnw("failed to update viewer count", "stream_id", p.StreamID, "error", err)
	}

	// The broadcaster answers a join notification with an offer.
	if b, ok := s.conns[session.BroadcasterID]; ok {
		joined := Envelope{Event: domain.EventStreamStarted}
		joined.Payload, _ = json.Marshal(domain.StreamStartedPayload{StreamID: p.StreamID, UserID: c.id})
		b.send(joined, s.logger)
	}

	s.logger.Infow("viewer joined stream", "stream_id", p.StreamID, "participant_id", c.id)
	s.broadcastUpdateLocked(ctx)
	return domain.JoinAck{StreamID: p.StreamID, BroadcasterID: session.BroadcasterID}, nil
}

func (s *RelayServer) leaveStream(ctx context.Context, c *relayConn, raw json.RawMessage) error {
	var p domain.StreamRef
	if err := decodePayload(Envelope{Event: domain.EventLeaveStream, Payload: raw}, &p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeViewerLocked(ctx, p.StreamID, c.id) {
		s.broadcastUpdateLocked(ctx)
	}
	return nil
}

func (s *RelayServer) endStream(ctx context.Context, c *relayConn, raw json.RawMessage) error {
	var p domain.StreamRef
	if err := decodePayload(Envelope{Event: domain.EventEndStream, Payload: raw}, &p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.directory.Get(ctx, p.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream directory unavailable")
	}
	if session.BroadcasterID != c.id {
		return apperrors.WrapError(domain.ErrNotOwner, apperrors.ErrCodeUnauthorized, "only the broadcaster can end a stream")
	}

	s.endStreamLocked(ctx, p.StreamID)
	s.broadcastUpdateLocked(ctx)
	return nil
}

// endStreamLocked deletes the stream and tells everyone it ended.
func (s *RelayServer) endStreamLocked(ctx context.Context, id domain.StreamID) {
	if err := s.directory.Delete(ctx, id); err != nil {
		s.logger.Errorw("failed to delete stream", "stream_id", id, "error", err)
	}
	delete(s.viewers, id)

	ended := Envelope{Event: domain.EventStreamEnded}
	ended.Payload, _ = json.Marshal(id)
	for _, c := range s.conns {
		c.send(ended, s.logger)
	}
	s.logger.Infow("stream ended", "stream_id", id)
}

// removeViewerLocked reports whether viewer was watching the stream.
func (s *RelayServer) removeViewerLocked(ctx context.Context, streamID domain.StreamID, viewer domain.ParticipantID) bool {
	viewers := s.viewers[streamID]
	if _, ok := viewers[viewer]; !ok {
		return false
	}
	delete(viewers, viewer)
	if len(viewers) == 0 {
		delete(s.viewers, streamID)
	}

	session, err := s.directory.Get(ctx, streamID)
	if err != nil {
		return true
	}
	session.ViewerCount = uint(len(viewers))
	if err := s.directory.Update(ctx, session); err != nil {
		s.logger.Warnw("failed to update viewer count", "stream_id", streamID, "error", err)
	}
	if b, ok := s.conns[session.BroadcasterID]; ok {
		left := Envelope{Event: domain.EventViewerLeft}
		left.Payload, _ = json.Marshal(domain.StreamRef{StreamID: streamID, UserID: viewer})
		b.send(left, s.logger)
	}
	s.logger.Infow("viewer left stream", "stream_id", streamID, "participant_id", viewer)
	return true
}

func (s *RelayServer) broadcastUpdateLocked(ctx context.Context) {
	sessions, err := s.directory.ListActive(ctx)
	if err != nil {
		s.logger.Errorw("failed to list streams for update", "error", err)
		return
	}
	if sessions == nil {
		sessions = []domain.StreamSession{}
	}
	update := Envelope{Event: domain.EventStreamUpdate}
	update.Payload, _ = json.Marshal(sessions)
	for _, c := range s.conns {
		c.send(update, s.logger)
	}
}

// forward relays a negotiation message whose UserID has already been
// rewritten to the sender.
func (s *RelayServer) forward(from *relayConn, event string, target domain.ParticipantID, payload any) error {
	if err := validation.ValidateParticipantID(string(target)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if target == from.id {
		return apperrors.NewInvalidInputError("cannot signal yourself")
	}

	env, err := newEnvelope(event, payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "cannot encode message")
	}

	s.mu.Lock()
	to, ok := s.conns[target]
	s.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("participant " + string(target))
	}

	s.logger.Debugw("routing message", "event", event, "from", from.id, "to", target)
	to.send(env, s.logger)
	return nil
}

func (s *RelayServer) activeStreams(ctx context.Context) ([]domain.StreamSession, error) {
	sessions, err := s.directory.ListActive(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream directory unavailable")
	}
	if sessions == nil {
		sessions = []domain.StreamSession{}
	}
	return sessions, nil
}

// ConnectionCount returns the number of connected participants.
func (s *RelayServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *RelayServer) IsConnected(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

// ConnectedParticipants returns the connected participant IDs, sorted.
func (s *RelayServer) ConnectedParticipants() []domain.ParticipantID {
	s.mu.Lock()
	ids := make([]domain.ParticipantID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown closes every connection.
func (s *RelayServer) Shutdown() {
	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
