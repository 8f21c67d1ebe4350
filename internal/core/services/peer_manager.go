package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/event"
	"livecast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultNegotiationTimeout = 15 * time.Second

// RemoteMedia is published once per inbound track. Tracks holds every track
// received from the remote so far, Track being the newest.
type RemoteMedia struct {
	RemoteID domain.ParticipantID
	StreamID string
	Track    ports.RemoteTrack
	Tracks   []ports.RemoteTrack
}

// LocalCandidate is an ICE candidate gathered locally for one remote peer.
type LocalCandidate struct {
	RemoteID  domain.ParticipantID
	Candidate webrtc.ICECandidateInit
}

// NegotiationFailure reports a record that was force-closed because it did
// not complete in time.
type NegotiationFailure struct {
	RemoteID domain.ParticipantID
	Err      error
}

type peerRecord struct {
	mu        sync.Mutex
	remoteID  domain.ParticipantID
	role      domain.Role
	phase     domain.Phase
	pc        ports.PeerConnection
	pending   []webrtc.ICECandidateInit
	tracks    []ports.RemoteTrack
	timer     *time.Timer
	startedAt time.Time
}

func (r *peerRecord) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// PeerConnectionManager negotiates exactly one peer connection per remote
// participant. Records are replaced, never shared: creating a record for a
// remote that already has one tears the old one down first.
//
// Lock order is manager then record. Peer connection callbacks check that
// their record is still current before touching state.
type PeerConnectionManager struct {
	mu      sync.Mutex
	records map[domain.ParticipantID]*peerRecord

	factory ports.PeerConnectionFactory
	timeout time.Duration
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	remoteMedia       event.Feed[RemoteMedia]
	localCandidate    event.Feed[LocalCandidate]
	negotiationFailed event.Feed[NegotiationFailure]
	disconnected      event.Feed[domain.ParticipantID]
}

func NewPeerConnectionManager(
	factory ports.PeerConnectionFactory,
	negotiationTimeout time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PeerConnectionManager {
	if negotiationTimeout <= 0 {
		negotiationTimeout = defaultNegotiationTimeout
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PeerConnectionManager{
		records: make(map[domain.ParticipantID]*peerRecord),
		factory: factory,
		timeout: negotiationTimeout,
		metrics: metrics,
		logger:  logger,
	}
}

// CreateOutbound starts a negotiation as the offering side. With media the
// tracks are attached (broadcaster); without, receive-only audio and video
// transceivers are added.
func (m *PeerConnectionManager) CreateOutbound(ctx context.Context, remoteID domain.ParticipantID, media ports.LocalMedia) (offer webrtc.SessionDescription, err error) {
	role := roleFor(media)
	_, span := tracing.TraceNegotiation(ctx, "create_offer", string(remoteID), string(role))
	defer func() { tracing.End(span, err) }()

	rec, err := m.newRecord(remoteID, role)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	rec.mu.Lock()
	offer, err = m.prepareOffer(rec, media)
	if err == nil {
		rec.phase = domain.PhaseOfferSent
		m.armTimerLocked(rec)
	}
	rec.mu.Unlock()

	if err != nil {
		m.discard(rec)
		m.metrics.ObserveNegotiation(string(role), "error", time.Since(rec.startedAt))
		return webrtc.SessionDescription{}, fmt.Errorf("create offer for %s: %w", remoteID, err)
	}

	m.logger.Debugw("offer created", "remote_id", remoteID, "role", role)
	return offer, nil
}

func (m *PeerConnectionManager) prepareOffer(rec *peerRecord, media ports.LocalMedia) (webrtc.SessionDescription, error) {
	if media != nil {
		if err := attachMedia(rec.pc, media); err != nil {
			return webrtc.SessionDescription{}, err
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if err := rec.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	offer, err := rec.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := rec.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// AcceptOffer answers a remote offer. The new record passes through
// OfferReceived and ends in AnswerSent.
func (m *PeerConnectionManager) AcceptOffer(ctx context.Context, remoteID domain.ParticipantID, offer webrtc.SessionDescription, media ports.LocalMedia) (answer webrtc.SessionDescription, err error) {
	role := roleFor(media)
	_, span := tracing.TraceNegotiation(ctx, "accept_offer", string(remoteID), string(role))
	defer func() { tracing.End(span, err) }()

	rec, err := m.newRecord(remoteID, role)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	rec.mu.Lock()
	rec.phase = domain.PhaseOfferReceived
	m.armTimerLocked(rec)
	answer, err = m.prepareAnswer(rec, offer, media)
	if err == nil {
		rec.phase = domain.PhaseAnswerSent
		m.flushPendingLocked(rec)
	}
	rec.mu.Unlock()

	if err != nil {
		m.discard(rec)
		m.metrics.ObserveNegotiation(string(role), "error", time.Since(rec.startedAt))
		return webrtc.SessionDescription{}, fmt.Errorf("accept offer from %s: %w", remoteID, err)
	}

	m.logger.Debugw("answer created", "remote_id", remoteID, "role", role)
	return answer, nil
}

func (m *PeerConnectionManager) prepareAnswer(rec *peerRecord, offer webrtc.SessionDescription, media ports.LocalMedia) (webrtc.SessionDescription, error) {
	if media != nil {
		if err := attachMedia(rec.pc, media); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if err := rec.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := rec.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := rec.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AcceptAnswer completes an outbound negotiation. Candidates queued while
// waiting for the answer are applied in arrival order before the record is
// reported Connected.
func (m *PeerConnectionManager) AcceptAnswer(ctx context.Context, remoteID domain.ParticipantID, answer webrtc.SessionDescription) (err error) {
	rec := m.lookup(remoteID)
	if rec == nil {
		return fmt.Errorf("accept answer from %s: %w", remoteID, domain.ErrPeerNotFound)
	}

	_, span := tracing.TraceNegotiation(ctx, "accept_answer", string(remoteID), string(rec.role))
	defer func() { tracing.End(span, err) }()

	rec.mu.Lock()
	if rec.phase != domain.PhaseOfferSent {
		phase := rec.phase
		rec.mu.Unlock()
		return fmt.Errorf("accept answer from %s in phase %s: %w", remoteID, phase, domain.ErrInvalidPhase)
	}
	if err := rec.pc.SetRemoteDescription(answer); err != nil {
		rec.mu.Unlock()
		m.discard(rec)
		m.metrics.ObserveNegotiation(string(rec.role), "error", time.Since(rec.startedAt))
		return fmt.Errorf("accept answer from %s: %w", remoteID, err)
	}
	rec.phase = domain.PhaseAnswerReceived
	m.flushPendingLocked(rec)
	rec.phase = domain.PhaseConnected
	rec.stopTimerLocked()
	role, started := rec.role, rec.startedAt
	rec.mu.Unlock()

	m.metrics.ObserveNegotiation(string(role), "connected", time.Since(started))
	m.logger.Infow("peer connected", "remote_id", remoteID, "role", role)
	return nil
}

// AddRemoteCandidate applies candidate if the remote description is set and
// queues it otherwise.
func (m *PeerConnectionManager) AddRemoteCandidate(remoteID domain.ParticipantID, candidate webrtc.ICECandidateInit) error {
	rec := m.lookup(remoteID)
	if rec == nil {
		return fmt.Errorf("candidate from %s: %w", remoteID, domain.ErrPeerNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch {
	case rec.phase == domain.PhaseClosed:
		return fmt.Errorf("candidate from %s: %w", remoteID, domain.ErrPeerNotFound)
	case rec.phase.RemoteDescriptionSet():
		if err := rec.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add candidate from %s: %w", remoteID, err)
		}
	default:
		rec.pending = append(rec.pending, candidate)
	}
	return nil
}

func (m *PeerConnectionManager) flushPendingLocked(rec *peerRecord) {
	pending := rec.pending
	rec.pending = nil
	for _, c := range pending {
		if err := rec.pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("failed to apply queued candidate", "remote_id", rec.remoteID, "error", err)
		}
	}
}

// Close tears down the connection to remoteID. Unknown or already closed
// remotes are ignored.
func (m *PeerConnectionManager) Close(remoteID domain.ParticipantID) {
	m.mu.Lock()
	rec, ok := m.records[remoteID]
	if ok {
		delete(m.records, remoteID)
	}
	n := len(m.records)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.metrics.SetPeerConnections(n)
	if m.teardown(rec) {
		m.logger.Debugw("peer connection closed", "remote_id", remoteID)
	}
}

// CloseAll tears down every record.
func (m *PeerConnectionManager) CloseAll() {
	m.mu.Lock()
	records := m.records
	m.records = make(map[domain.ParticipantID]*peerRecord)
	m.mu.Unlock()

	for _, rec := range records {
		m.teardown(rec)
	}
	m.metrics.SetPeerConnections(0)
}

// CloseWhere tears down every record for which match returns true and
// returns the closed remote ids.
func (m *PeerConnectionManager) CloseWhere(match func(domain.NegotiationState) bool) []domain.ParticipantID {
	var closed []domain.ParticipantID
	for _, id := range m.RemoteIDs() {
		state, ok := m.State(id)
		if ok && match(state) {
			m.Close(id)
			closed = append(closed, id)
		}
	}
	return closed
}

// Phase returns the negotiation phase for remoteID; a remote without a
// record is Idle.
// NegotiationTimeout is how long a record may stay unanswered before it is
// force-closed.
func (m *PeerConnectionManager) NegotiationTimeout() time.Duration {
	return m.timeout
}

func (m *PeerConnectionManager) Phase(remoteID domain.ParticipantID) domain.Phase {
	rec := m.lookup(remoteID)
	if rec == nil {
		return domain.PhaseIdle
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.phase
}

// State returns a snapshot of the negotiation with remoteID.
func (m *PeerConnectionManager) State(remoteID domain.ParticipantID) (domain.NegotiationState, bool) {
	rec := m.lookup(remoteID)
	if rec == nil {
		return domain.NegotiationState{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	pending := make([]webrtc.ICECandidateInit, len(rec.pending))
	copy(pending, rec.pending)
	return domain.NegotiationState{
		RemoteID:          rec.remoteID,
		Role:              rec.role,
		Phase:             rec.phase,
		PendingCandidates: pending,
	}, true
}

// RemoteIDs returns the remotes with a live record, sorted.
func (m *PeerConnectionManager) RemoteIDs() []domain.ParticipantID {
	m.mu.Lock()
	ids := make([]domain.ParticipantID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *PeerConnectionManager) OnRemoteMedia(fn func(RemoteMedia)) func() {
	return m.remoteMedia.Subscribe(fn)
}

func (m *PeerConnectionManager) OnLocalCandidate(fn func(LocalCandidate)) func() {
	return m.localCandidate.Subscribe(fn)
}

func (m *PeerConnectionManager) OnNegotiationFailed(fn func(NegotiationFailure)) func() {
	return m.negotiationFailed.Subscribe(fn)
}

// OnDisconnected fires when an established or negotiating connection fails
// or is closed by the remote side.
func (m *PeerConnectionManager) OnDisconnected(fn func(domain.ParticipantID)) func() {
	return m.disconnected.Subscribe(fn)
}

func (m *PeerConnectionManager) newRecord(remoteID domain.ParticipantID, role domain.Role) (*peerRecord, error) {
	pc, err := m.factory.NewPeerConnection(remoteID, role)
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", remoteID, err)
	}

	rec := &peerRecord{
		remoteID:  remoteID,
		role:      role,
		phase:     domain.PhaseIdle,
		pc:        pc,
		startedAt: time.Now(),
	}
	m.wireCallbacks(rec)

	m.mu.Lock()
	old := m.records[remoteID]
	m.records[remoteID] = rec
	n := len(m.records)
	m.mu.Unlock()

	if old != nil {
		m.logger.Infow("replacing existing peer connection", "remote_id", remoteID)
		m.teardown(old)
	}
	m.metrics.SetPeerConnections(n)
	return rec, nil
}

func (m *PeerConnectionManager) wireCallbacks(rec *peerRecord) {
	rec.pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.isCurrent(rec) {
			return
		}
		m.localCandidate.Publish(LocalCandidate{RemoteID: rec.remoteID, Candidate: c})
	})

	rec.pc.OnTrack(func(track ports.RemoteTrack) {
		if !m.isCurrent(rec) {
			return
		}
		rec.mu.Lock()
		rec.tracks = append(rec.tracks, track)
		tracks := make([]ports.RemoteTrack, len(rec.tracks))
		copy(tracks, rec.tracks)
		rec.mu.Unlock()

		m.logger.Infow("remote track received", "remote_id", rec.remoteID, "track_id", track.ID(), "kind", track.Kind().String())
		m.remoteMedia.Publish(RemoteMedia{
			RemoteID: rec.remoteID,
			StreamID: track.StreamID(),
			Track:    track,
			Tracks:   tracks,
		})
	})

	rec.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.markConnected(rec)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !m.discard(rec) {
				return
			}
			m.logger.Infow("peer connection lost", "remote_id", rec.remoteID, "state", state.String())
			m.disconnected.Publish(rec.remoteID)
		}
	})
}

func (m *PeerConnectionManager) markConnected(rec *peerRecord) {
	if !m.isCurrent(rec) {
		return
	}
	rec.mu.Lock()
	if rec.phase != domain.PhaseAnswerSent && rec.phase != domain.PhaseAnswerReceived {
		rec.mu.Unlock()
		return
	}
	rec.phase = domain.PhaseConnected
	rec.stopTimerLocked()
	role, started := rec.role, rec.startedAt
	rec.mu.Unlock()

	m.metrics.ObserveNegotiation(string(role), "connected", time.Since(started))
	m.logger.Infow("peer connected", "remote_id", rec.remoteID, "role", role)
}

func (m *PeerConnectionManager) armTimerLocked(rec *peerRecord) {
	rec.stopTimerLocked()
	rec.timer = time.AfterFunc(m.timeout, func() { m.expire(rec) })
}

func (m *PeerConnectionManager) expire(rec *peerRecord) {
	rec.mu.Lock()
	stuck := rec.phase.Negotiating()
	phase := rec.phase
	rec.mu.Unlock()
	if !stuck || !m.discard(rec) {
		return
	}

	m.metrics.ObserveNegotiation(string(rec.role), "timeout", time.Since(rec.startedAt))
	m.logger.Warnw("negotiation timed out", "remote_id", rec.remoteID, "phase", phase.String(), "timeout", m.timeout)
	m.negotiationFailed.Publish(NegotiationFailure{
		RemoteID: rec.remoteID,
		Err:      apperrors.NewNegotiationTimeout(string(rec.remoteID)),
	})
}

// discard removes rec if it is still the current record for its remote and
// tears it down. It reports whether rec was removed.
func (m *PeerConnectionManager) discard(rec *peerRecord) bool {
	m.mu.Lock()
	if m.records[rec.remoteID] != rec {
		m.mu.Unlock()
		return false
	}
	delete(m.records, rec.remoteID)
	n := len(m.records)
	m.mu.Unlock()

	m.metrics.SetPeerConnections(n)
	m.teardown(rec)
	return true
}

// teardown closes the record's connection once. It reports whether this call
// did the closing.
func (m *PeerConnectionManager) teardown(rec *peerRecord) bool {
	rec.mu.Lock()
	if rec.phase == domain.PhaseClosed {
		rec.mu.Unlock()
		return false
	}
	rec.phase = domain.PhaseClosed
	rec.pending = nil
	rec.stopTimerLocked()
	rec.mu.Unlock()

	if err := rec.pc.Close(); err != nil {
		m.logger.Debugw("error closing peer connection", "remote_id", rec.remoteID, "error", err)
	}
	return true
}

func (m *PeerConnectionManager) lookup(remoteID domain.ParticipantID) *peerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[remoteID]
}

func (m *PeerConnectionManager) isCurrent(rec *peerRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[rec.remoteID] == rec
}

func attachMedia(pc ports.PeerConnection, media ports.LocalMedia) error {
	for _, track := range media.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("attach track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func roleFor(media ports.LocalMedia) domain.Role {
	if media != nil {
		return domain.RoleBroadcaster
	}
	return domain.RoleViewer
}
