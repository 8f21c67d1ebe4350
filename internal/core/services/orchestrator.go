package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/event"
	"livecast/pkg/serial"
	"livecast/pkg/tracing"
	"livecast/pkg/validation"

	"go.uber.org/zap"
)

const defaultReconcileInterval = 30 * time.Second

var errSessionCancelled = errors.New("session cancelled")

// RemoteStream is published when media from the watched broadcaster
// arrives, once per track.
type RemoteStream struct {
	StreamID      domain.StreamID
	BroadcasterID domain.ParticipantID
	Media         RemoteMedia
}

// StreamEnded is published when the local broadcast or the watched stream
// ends. Reason is nil for an orderly end.
type StreamEnded struct {
	StreamID domain.StreamID
	Role     domain.Role
	Reason   error
}

type OrchestratorConfig struct {
	// ReconcileInterval is the period of the get-active-streams pull. Zero
	// uses the default; negative disables periodic pulls.
	ReconcileInterval time.Duration
}

type broadcastSession struct {
	streamID domain.StreamID
	localID  domain.ParticipantID
	meta     domain.StreamMetadata
	state    domain.SessionState
	media    ports.LocalMedia
	viewers  map[domain.ParticipantID]struct{}
	// joins announced before the relay acknowledged the stream
	pending []domain.ParticipantID
}

type watchSession struct {
	streamID      domain.StreamID
	localID       domain.ParticipantID
	broadcasterID domain.ParticipantID
	state         domain.SessionState
	// offerTimer ends the watch if no offer arrives after the join.
	offerTimer *time.Timer
	offered    bool
}

// StreamOrchestrator is the client-side entry point: it publishes a local
// broadcast, joins remote streams and keeps the stream registry current.
//
// Inbound negotiation messages and outbound candidates are funnelled
// through a per-remote FIFO queue, so messages for one remote are handled
// in arrival order while different remotes proceed independently.
type StreamOrchestrator struct {
	transport ports.SignalingTransport
	peers     *PeerConnectionManager
	registry  *StreamRegistry
	media     ports.MediaProvider
	queue     *serial.KeyedQueue
	cfg       OrchestratorConfig
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	broadcast *broadcastSession
	watch     *watchSession

	remoteStream event.Feed[RemoteStream]
	streamEnded  event.Feed[StreamEnded]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unsubs    []func()
	closeOnce sync.Once
}

func NewStreamOrchestrator(
	transport ports.SignalingTransport,
	peers *PeerConnectionManager,
	registry *StreamRegistry,
	media ports.MediaProvider,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) *StreamOrchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &StreamOrchestrator{
		transport: transport,
		peers:     peers,
		registry:  registry,
		media:     media,
		queue:     serial.NewKeyedQueue(logger),
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	o.subscribe()
	return o
}

func (o *StreamOrchestrator) subscribe() {
	t := o.transport
	o.unsubs = append(o.unsubs,
		t.OnEvent(domain.EventOffer, o.onOffer),
		t.OnEvent(domain.EventAnswer, o.onAnswer),
		t.OnEvent(domain.EventICECandidate, o.onCandidate),
		t.OnEvent(domain.EventStreamStarted, o.onStreamStarted),
		t.OnEvent(domain.EventStreamUpdate, o.onStreamUpdate),
		t.OnEvent(domain.EventStreamEnded, o.onStreamEnded),
		t.OnEvent(domain.EventViewerLeft, o.onViewerLeft),
		t.OnStatusChange(o.onStatus),
		o.peers.OnLocalCandidate(o.onLocalCandidate),
		o.peers.OnRemoteMedia(o.onRemoteMedia),
		o.peers.OnNegotiationFailed(o.onNegotiationFailed),
		o.peers.OnDisconnected(o.onPeerDisconnected),
	)
}

// Start connects the transport, pulls the active stream list once and
// starts the periodic reconciliation loop.
func (o *StreamOrchestrator) Start(ctx context.Context) error {
	if err := o.transport.Connect(ctx); err != nil {
		return err
	}
	if err := o.Reconcile(ctx); err != nil {
		o.logger.Warnw("initial stream list pull failed", "error", err)
	}

	if o.cfg.ReconcileInterval > 0 {
		o.wg.Add(1)
		go o.reconcileLoop()
	}
	return nil
}

func (o *StreamOrchestrator) reconcileLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if !o.transport.Connected() {
				continue
			}
			if err := o.Reconcile(o.ctx); err != nil {
				o.logger.Debugw("stream list pull failed", "error", err)
			}
		}
	}
}

// Reconcile replaces the registry with the relay's active stream list. The
// result is dropped if a push event was applied while the request was in
// flight.
func (o *StreamOrchestrator) Reconcile(ctx context.Context) error {
	asOf := o.registry.Sequence()
	var sessions []domain.StreamSession
	if err := o.transport.Request(ctx, domain.EventGetActiveStreams, nil, &sessions); err != nil {
		return fmt.Errorf("pull active streams: %w", err)
	}
	if !o.registry.Replace(sessions, asOf) {
		o.logger.Debugw("discarding stale stream list", "as_of", asOf)
	}
	return nil
}

// StartBroadcast acquires local media and announces streamID. Viewers that
// join afterwards each get their own outbound peer connection. A stream id
// that is already live is rejected with a Conflict error.
func (o *StreamOrchestrator) StartBroadcast(ctx context.Context, streamID domain.StreamID, localID domain.ParticipantID, meta domain.StreamMetadata) (err error) {
	if err := validateBroadcast(streamID, localID, meta); err != nil {
		return err
	}

	ctx, span := tracing.TraceStream(ctx, "start_broadcast", string(streamID))
	defer func() { tracing.End(span, err) }()

	o.mu.Lock()
	if o.broadcast != nil && o.broadcast.state.Active() {
		o.mu.Unlock()
		return apperrors.WrapError(domain.ErrBroadcastActive, apperrors.ErrCodeConflict, "cannot start broadcast")
	}
	if s, ok := o.registry.Get(streamID); ok && s.BroadcasterID != localID {
		o.mu.Unlock()
		return apperrors.WrapError(domain.ErrStreamAlreadyLive, apperrors.ErrCodeConflict, "cannot start broadcast").
			WithContext("stream_id", string(streamID))
	}
	b := &broadcastSession{
		streamID: streamID,
		localID:  localID,
		meta:     meta,
		state:    domain.SessionNegotiating,
		viewers:  make(map[domain.ParticipantID]struct{}),
	}
	o.broadcast = b
	o.mu.Unlock()

	media, err := o.media.Acquire(ctx)
	if err != nil {
		o.abortBroadcast(b, nil)
		return apperrors.NewMediaAccessError(err)
	}

	o.mu.Lock()
	if b.state != domain.SessionNegotiating {
		o.mu.Unlock()
		o.media.Release(media)
		return errSessionCancelled
	}
	b.media = media
	o.mu.Unlock()

	announce := domain.CreateStreamPayload{
		StreamID:     streamID,
		UserID:       localID,
		Title:        meta.Title,
		Category:     meta.Category,
		ThumbnailRef: meta.ThumbnailRef,
	}
	if err := o.transport.Request(ctx, domain.EventCreateStream, announce, nil); err != nil {
		o.abortBroadcast(b, media)
		return fmt.Errorf("announce stream %s: %w", streamID, asConnectionError(err))
	}

	o.mu.Lock()
	if b.state != domain.SessionNegotiating {
		o.mu.Unlock()
		// stopped while the announcement was in flight
		o.transport.Send(domain.EventEndStream, domain.StreamRef{StreamID: streamID, UserID: localID})
		return errSessionCancelled
	}
	b.state = domain.SessionLive
	pending := append([]domain.ParticipantID(nil), b.pending...)
	o.mu.Unlock()

	o.registry.Upsert(domain.NewStreamSession(streamID, localID, meta))
	o.logger.Infow("broadcast started", "stream_id", streamID, "participant_id", localID)
	for _, viewer := range pending {
		viewer := viewer
		o.queue.Enqueue(string(viewer), func() { o.handlePendingViewer(b, viewer) })
	}
	return nil
}

func (o *StreamOrchestrator) abortBroadcast(b *broadcastSession, media ports.LocalMedia) {
	o.mu.Lock()
	b.state = domain.SessionEnded
	b.media = nil
	if o.broadcast == b {
		o.broadcast = nil
	}
	o.mu.Unlock()
	if media != nil {
		o.media.Release(media)
	}
}

// StopBroadcast closes every viewer connection, releases local media and
// announces the end of the stream. Calling it again, or without a
// broadcast, does nothing.
func (o *StreamOrchestrator) StopBroadcast() {
	o.endBroadcast(nil, true)
}

func (o *StreamOrchestrator) endBroadcast(reason error, announce bool) {
	o.mu.Lock()
	b := o.broadcast
	if b == nil || !b.state.Active() {
		o.mu.Unlock()
		return
	}
	wasLive := b.state == domain.SessionLive
	b.state = domain.SessionEnded
	media := b.media
	b.media = nil
	b.viewers = make(map[domain.ParticipantID]struct{})
	b.pending = nil
	o.mu.Unlock()

	o.peers.CloseWhere(func(s domain.NegotiationState) bool { return s.Role == domain.RoleBroadcaster })
	if media != nil {
		o.media.Release(media)
	}
	if announce && wasLive {
		o.transport.Send(domain.EventEndStream, domain.StreamRef{StreamID: b.streamID, UserID: b.localID})
	}
	o.registry.Remove(b.streamID)

	if reason != nil {
		o.logger.Warnw("broadcast ended", "stream_id", b.streamID, "error", reason)
	} else {
		o.logger.Infow("broadcast stopped", "stream_id", b.streamID)
	}
	o.streamEnded.Publish(StreamEnded{StreamID: b.streamID, Role: domain.RoleBroadcaster, Reason: reason})
}

// JoinStream asks the relay to join streamID. It returns once the relay has
// accepted the join; the connection to the broadcaster is negotiated when
// the broadcaster's offer arrives and media is reported via OnRemoteStream.
func (o *StreamOrchestrator) JoinStream(ctx context.Context, streamID domain.StreamID, localID domain.ParticipantID) (err error) {
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateParticipantID(string(localID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	ctx, span := tracing.TraceStream(ctx, "join_stream", string(streamID))
	defer func() { tracing.End(span, err) }()

	o.mu.Lock()
	if o.watch != nil && o.watch.state.Active() {
		o.mu.Unlock()
		return apperrors.WrapError(domain.ErrAlreadyWatching, apperrors.ErrCodeConflict, "cannot join stream")
	}
	if b := o.broadcast; b != nil && b.state.Active() && b.streamID == streamID {
		o.mu.Unlock()
		return apperrors.NewInvalidInputError("cannot join own broadcast")
	}
	w := &watchSession{streamID: streamID, localID: localID, state: domain.SessionNegotiating}
	o.watch = w
	o.mu.Unlock()

	var ack domain.JoinAck
	if err := o.transport.Request(ctx, domain.EventJoinStream, domain.StreamRef{StreamID: streamID, UserID: localID}, &ack); err != nil {
		o.mu.Lock()
		w.state = domain.SessionEnded
		if o.watch == w {
			o.watch = nil
		}
		o.mu.Unlock()
		return fmt.Errorf("join stream %s: %w", streamID, asConnectionError(err))
	}

	o.mu.Lock()
	if !w.state.Active() {
		o.mu.Unlock()
		return errSessionCancelled
	}
	if w.broadcasterID == "" {
		w.broadcasterID = ack.BroadcasterID
	}
	o.armOfferTimerLocked(w)
	o.mu.Unlock()

	o.logger.Infow("join accepted", "stream_id", streamID, "broadcaster_id", ack.BroadcasterID)
	return nil
}

// armOfferTimerLocked ends w with a negotiation timeout unless the
// broadcaster's offer arrives within the manager's negotiation timeout.
func (o *StreamOrchestrator) armOfferTimerLocked(w *watchSession) {
	if w.offerTimer != nil || w.offered || w.state != domain.SessionNegotiating {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(o.peers.NegotiationTimeout(), func() {
		o.mu.Lock()
		if w.offerTimer != t || w.offered {
			o.mu.Unlock()
			return
		}
		w.offerTimer = nil
		remote := string(w.broadcasterID)
		o.mu.Unlock()

		if o.endWatchSession(w, apperrors.NewNegotiationTimeout(remote)) {
			o.transport.Send(domain.EventLeaveStream, domain.StreamRef{StreamID: w.streamID, UserID: w.localID})
		}
	})
	w.offerTimer = t
}

func stopOfferTimerLocked(w *watchSession) {
	if w.offerTimer != nil {
		w.offerTimer.Stop()
		w.offerTimer = nil
	}
}

// LeaveStream stops watching. Calling it again, or without a watched
// stream, does nothing.
func (o *StreamOrchestrator) LeaveStream() {
	w := o.endWatch(nil)
	if w == nil {
		return
	}
	o.transport.Send(domain.EventLeaveStream, domain.StreamRef{StreamID: w.streamID, UserID: w.localID})
}

// endWatch ends the active watch session and returns it, or nil if there
// was none.
func (o *StreamOrchestrator) endWatch(reason error) *watchSession {
	o.mu.Lock()
	w := o.watch
	o.mu.Unlock()
	if w == nil || !o.endWatchSession(w, reason) {
		return nil
	}
	return w
}

// endWatchSession ends w if it is still the active watch and reports
// whether it did.
func (o *StreamOrchestrator) endWatchSession(w *watchSession, reason error) bool {
	o.mu.Lock()
	if o.watch != w || !w.state.Active() {
		o.mu.Unlock()
		return false
	}
	w.state = domain.SessionEnded
	stopOfferTimerLocked(w)
	broadcaster := w.broadcasterID
	o.mu.Unlock()

	if broadcaster != "" {
		o.peers.Close(broadcaster)
	}
	if reason != nil {
		o.logger.Warnw("watch ended", "stream_id", w.streamID, "error", reason)
	} else {
		o.logger.Infow("watch ended", "stream_id", w.streamID)
	}
	o.streamEnded.Publish(StreamEnded{StreamID: w.streamID, Role: domain.RoleViewer, Reason: reason})
	return true
}

// OnRemoteStream registers fn for media arriving from the watched
// broadcaster.
func (o *StreamOrchestrator) OnRemoteStream(fn func(RemoteStream)) func() {
	return o.remoteStream.Subscribe(fn)
}

func (o *StreamOrchestrator) OnStreamRegistryChange(fn func(RegistryChange)) func() {
	return o.registry.Subscribe(fn)
}

func (o *StreamOrchestrator) OnStreamEnded(fn func(StreamEnded)) func() {
	return o.streamEnded.Subscribe(fn)
}

// Registry returns a snapshot of the live stream directory.
func (o *StreamOrchestrator) Registry() []domain.StreamSession {
	return o.registry.List()
}

func (o *StreamOrchestrator) State() domain.OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := domain.OrchestratorState{
		Connected: o.transport.Connected(),
		Broadcast: domain.BroadcastStatus{State: domain.SessionIdle},
		Watch:     domain.WatchStatus{State: domain.SessionIdle},
	}
	if b := o.broadcast; b != nil {
		st.LocalID = b.localID
		st.Broadcast.StreamID = b.streamID
		st.Broadcast.State = b.state
		for v := range b.viewers {
			st.Broadcast.Viewers = append(st.Broadcast.Viewers, v)
		}
	}
	if w := o.watch; w != nil {
		st.LocalID = w.localID
		st.Watch = domain.WatchStatus{StreamID: w.streamID, BroadcasterID: w.broadcasterID, State: w.state}
	}
	return st
}

// Close ends every session, stops background work and closes the
// transport.
func (o *StreamOrchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.StopBroadcast()
		o.LeaveStream()
		o.cancel()
		o.wg.Wait()
		for _, unsub := range o.unsubs {
			unsub()
		}
		o.queue.Close()
		o.peers.CloseAll()
		err = o.transport.Close()
	})
	return err
}

func (o *StreamOrchestrator) onOffer(raw json.RawMessage) {
	var p domain.OfferPayload
	if !o.decode(domain.EventOffer, raw, &p) {
		return
	}
	o.queue.Enqueue(string(p.UserID), func() { o.handleOffer(p) })
}

func (o *StreamOrchestrator) handleOffer(p domain.OfferPayload) {
	o.mu.Lock()
	w := o.watch
	if w == nil || !w.state.Active() || w.streamID != p.StreamID ||
		(w.broadcasterID != "" && w.broadcasterID != p.UserID) {
		o.mu.Unlock()
		o.logger.Debugw("ignoring unexpected offer", "stream_id", p.StreamID, "remote_id", p.UserID)
		return
	}
	w.broadcasterID = p.UserID
	w.offered = true
	stopOfferTimerLocked(w)
	o.mu.Unlock()

	answer, err := o.peers.AcceptOffer(o.ctx, p.UserID, p.Offer, nil)
	if err != nil {
		o.endWatch(err)
		return
	}
	o.transport.Send(domain.EventAnswer, domain.AnswerPayload{StreamID: p.StreamID, UserID: p.UserID, Answer: answer})
}

func (o *StreamOrchestrator) onAnswer(raw json.RawMessage) {
	var p domain.AnswerPayload
	if !o.decode(domain.EventAnswer, raw, &p) {
		return
	}
	o.queue.Enqueue(string(p.UserID), func() {
		if err := o.peers.AcceptAnswer(o.ctx, p.UserID, p.Answer); err != nil {
			o.logger.Warnw("failed to apply answer", "remote_id", p.UserID, "error", err)
			if o.peers.Phase(p.UserID) == domain.PhaseIdle {
				o.dropViewer(p.UserID)
			}
		}
	})
}

func (o *StreamOrchestrator) onCandidate(raw json.RawMessage) {
	var p domain.CandidatePayload
	if !o.decode(domain.EventICECandidate, raw, &p) {
		return
	}
	o.queue.Enqueue(string(p.UserID), func() {
		if err := o.peers.AddRemoteCandidate(p.UserID, p.Candidate); err != nil {
			o.logger.Debugw("dropping remote candidate", "remote_id", p.UserID, "error", err)
		}
	})
}

func (o *StreamOrchestrator) onStreamStarted(raw json.RawMessage) {
	var p domain.StreamStartedPayload
	if !o.decode(domain.EventStreamStarted, raw, &p) {
		return
	}

	o.mu.Lock()
	b := o.broadcast
	if b != nil && b.state.Active() && b.streamID == p.StreamID {
		// our own stream: either the echo of the announcement or a join
		isJoin := p.UserID != b.localID && b.state == domain.SessionLive
		if p.UserID != b.localID && b.state == domain.SessionNegotiating && indexOfParticipant(b.pending, p.UserID) < 0 {
			b.pending = append(b.pending, p.UserID)
		}
		o.mu.Unlock()
		if isJoin {
			o.queue.Enqueue(string(p.UserID), func() { o.handleViewerJoined(b, p.UserID) })
		}
		return
	}
	o.mu.Unlock()

	o.registry.InsertIfAbsent(domain.NewStreamSession(p.StreamID, p.UserID, domain.StreamMetadata{
		Title:        p.Title,
		Category:     p.Category,
		ThumbnailRef: p.ThumbnailRef,
	}))
}

// handlePendingViewer offers to a viewer that joined before the broadcast
// went live, unless it has left since.
func (o *StreamOrchestrator) handlePendingViewer(b *broadcastSession, viewer domain.ParticipantID) {
	o.mu.Lock()
	i := indexOfParticipant(b.pending, viewer)
	if i < 0 {
		o.mu.Unlock()
		return
	}
	b.pending = append(b.pending[:i], b.pending[i+1:]...)
	o.mu.Unlock()

	o.handleViewerJoined(b, viewer)
}

func (o *StreamOrchestrator) handleViewerJoined(b *broadcastSession, viewer domain.ParticipantID) {
	o.mu.Lock()
	if o.broadcast != b || b.state != domain.SessionLive {
		o.mu.Unlock()
		return
	}
	media := b.media
	o.mu.Unlock()

	offer, err := o.peers.CreateOutbound(o.ctx, viewer, media)
	if err != nil {
		o.logger.Errorw("failed to create offer for viewer", "remote_id", viewer, "error", err)
		return
	}

	o.mu.Lock()
	if o.broadcast != b || b.state != domain.SessionLive {
		o.mu.Unlock()
		o.peers.Close(viewer)
		return
	}
	b.viewers[viewer] = struct{}{}
	o.mu.Unlock()

	o.transport.Send(domain.EventOffer, domain.OfferPayload{StreamID: b.streamID, UserID: viewer, Offer: offer})
	o.logger.Infow("viewer joined", "stream_id", b.streamID, "remote_id", viewer)
}

func (o *StreamOrchestrator) onViewerLeft(raw json.RawMessage) {
	var p domain.StreamRef
	if !o.decode(domain.EventViewerLeft, raw, &p) {
		return
	}
	o.queue.Enqueue(string(p.UserID), func() {
		if o.dropViewer(p.UserID) {
			o.peers.Close(p.UserID)
			o.logger.Infow("viewer left", "stream_id", p.StreamID, "remote_id", p.UserID)
		}
	})
}

// dropViewer removes viewer from the local broadcast and reports whether it
// was a viewer.
func (o *StreamOrchestrator) dropViewer(viewer domain.ParticipantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.broadcast == nil {
		return false
	}
	if i := indexOfParticipant(o.broadcast.pending, viewer); i >= 0 {
		o.broadcast.pending = append(o.broadcast.pending[:i], o.broadcast.pending[i+1:]...)
		return true
	}
	if _, ok := o.broadcast.viewers[viewer]; !ok {
		return false
	}
	delete(o.broadcast.viewers, viewer)
	return true
}

func (o *StreamOrchestrator) onStreamUpdate(raw json.RawMessage) {
	var sessions []domain.StreamSession
	if !o.decode(domain.EventStreamUpdate, raw, &sessions) {
		return
	}
	for _, s := range sessions {
		o.registry.Upsert(s)
	}
}

func (o *StreamOrchestrator) onStreamEnded(raw json.RawMessage) {
	var id domain.StreamID
	if !o.decode(domain.EventStreamEnded, raw, &id) {
		return
	}
	o.registry.Remove(id)

	o.mu.Lock()
	watching := o.watch != nil && o.watch.state.Active() && o.watch.streamID == id
	o.mu.Unlock()
	if watching {
		o.endWatch(nil)
	}
}

func (o *StreamOrchestrator) onLocalCandidate(c LocalCandidate) {
	o.queue.Enqueue(string(c.RemoteID), func() {
		streamID, ok := o.streamFor(c.RemoteID)
		if !ok {
			return
		}
		o.transport.Send(domain.EventICECandidate, domain.CandidatePayload{
			StreamID:  streamID,
			UserID:    c.RemoteID,
			Candidate: c.Candidate,
		})
	})
}

// streamFor returns the stream a remote participant is connected through.
func (o *StreamOrchestrator) streamFor(remote domain.ParticipantID) (domain.StreamID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w := o.watch; w != nil && w.state.Active() && w.broadcasterID == remote {
		return w.streamID, true
	}
	if b := o.broadcast; b != nil && b.state.Active() {
		return b.streamID, true
	}
	return "", false
}

func (o *StreamOrchestrator) onRemoteMedia(rm RemoteMedia) {
	o.mu.Lock()
	w := o.watch
	if w == nil || !w.state.Active() || w.broadcasterID != rm.RemoteID {
		o.mu.Unlock()
		return
	}
	w.state = domain.SessionLive
	streamID := w.streamID
	o.mu.Unlock()

	o.remoteStream.Publish(RemoteStream{StreamID: streamID, BroadcasterID: rm.RemoteID, Media: rm})
}

func (o *StreamOrchestrator) onNegotiationFailed(f NegotiationFailure) {
	if o.isWatchedBroadcaster(f.RemoteID) {
		o.endWatch(f.Err)
		return
	}
	o.dropViewer(f.RemoteID)
}

func (o *StreamOrchestrator) onPeerDisconnected(remote domain.ParticipantID) {
	if o.isWatchedBroadcaster(remote) {
		o.endWatch(apperrors.NewConnectionError("broadcaster connection lost", nil))
		return
	}
	if o.dropViewer(remote) {
		o.logger.Infow("viewer connection lost", "remote_id", remote)
	}
}

func (o *StreamOrchestrator) isWatchedBroadcaster(remote domain.ParticipantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watch != nil && o.watch.state.Active() && o.watch.broadcasterID == remote
}

func (o *StreamOrchestrator) onStatus(status ports.TransportStatus) {
	switch status {
	case ports.StatusDisconnected:
		// negotiations in flight cannot complete without the relay
		closed := o.peers.CloseWhere(func(s domain.NegotiationState) bool {
			return s.Phase != domain.PhaseConnected
		})
		for _, id := range closed {
			o.dropViewer(id)
		}
		if len(closed) > 0 {
			o.logger.Infow("discarded pending negotiations", "count", len(closed))
		}
	case ports.StatusReconnected:
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.resume()
		}()
	case ports.StatusFailed:
		err := apperrors.NewConnectionError("signaling channel lost", nil)
		o.endBroadcast(err, false)
		o.endWatch(err)
	}
}

// resume re-announces the local broadcast and re-joins the watched stream
// after the transport reconnected.
func (o *StreamOrchestrator) resume() {
	ctx := o.ctx

	o.mu.Lock()
	b, w := o.broadcast, o.watch
	var announce *domain.CreateStreamPayload
	if b != nil && b.state == domain.SessionLive {
		announce = &domain.CreateStreamPayload{
			StreamID:     b.streamID,
			UserID:       b.localID,
			Title:        b.meta.Title,
			Category:     b.meta.Category,
			ThumbnailRef: b.meta.ThumbnailRef,
		}
	}
	var join *domain.StreamRef
	if w != nil && w.state.Active() {
		join = &domain.StreamRef{StreamID: w.streamID, UserID: w.localID}
	}
	o.mu.Unlock()

	if announce != nil {
		if err := o.transport.Request(ctx, domain.EventCreateStream, announce, nil); err != nil {
			o.logger.Errorw("failed to re-announce broadcast", "stream_id", announce.StreamID, "error", err)
			o.endBroadcast(err, false)
		} else {
			o.logger.Infow("broadcast re-announced", "stream_id", announce.StreamID)
		}
	}

	if join != nil {
		var ack domain.JoinAck
		if err := o.transport.Request(ctx, domain.EventJoinStream, join, &ack); err != nil {
			o.logger.Errorw("failed to re-join stream", "stream_id", join.StreamID, "error", err)
			o.endWatch(err)
		} else {
			o.mu.Lock()
			if o.watch == w && w.state.Active() && w.broadcasterID == "" {
				w.broadcasterID = ack.BroadcasterID
			}
			broadcaster := w.broadcasterID
			o.mu.Unlock()

			// the pending record was discarded on disconnect; wait for a fresh offer
			if o.peers.Phase(broadcaster) == domain.PhaseIdle {
				o.mu.Lock()
				if o.watch == w && w.state.Active() {
					w.offered = false
					o.armOfferTimerLocked(w)
				}
				o.mu.Unlock()
			}
		}
	}

	if err := o.Reconcile(ctx); err != nil {
		o.logger.Debugw("stream list pull after reconnect failed", "error", err)
	}
}

func (o *StreamOrchestrator) decode(event string, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		o.logger.Warnw("malformed signaling payload", "event", event, "error", err)
		return false
	}
	return true
}

func indexOfParticipant(ids []domain.ParticipantID, id domain.ParticipantID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

func validateBroadcast(streamID domain.StreamID, localID domain.ParticipantID, meta domain.StreamMetadata) error {
	checks := []error{
		validation.ValidateStreamID(string(streamID)),
		validation.ValidateParticipantID(string(localID)),
		validation.ValidateStreamTitle(meta.Title),
		validation.ValidateCategory(meta.Category),
		validation.ValidateThumbnailRef(meta.ThumbnailRef),
	}
	for _, err := range checks {
		if err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return nil
}

// asConnectionError leaves AppErrors untouched and classifies anything else
// as a connection failure.
func asConnectionError(err error) error {
	if apperrors.GetAppError(err) != nil || errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.NewConnectionError("signaling request failed", err)
}
