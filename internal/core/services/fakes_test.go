package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errNoRemoteDescription = errors.New("remote description not set")

type fakePC struct {
	mu           sync.Mutex
	remoteID     domain.ParticipantID
	role         domain.Role
	tracks       []webrtc.TrackLocal
	transceivers []webrtc.RTPCodecType
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	closed       bool
	failRemote   error

	onTrack func(ports.RemoteTrack)
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transceivers = append(p.transceivers, kind)
	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("offer", p.remoteID)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP("answer", p.remoteID)}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remote = &desc
	return nil
}

// AddICECandidate rejects candidates before the remote description, like
// the real implementation.
func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnTrack(fn func(ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) emitTrack(t ports.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePC) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePC) emitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func fakeSDP(kind string, remote domain.ParticipantID) string {
	return fmt.Sprintf("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=%s-%s\r\nt=0 0\r\n", kind, remote)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs map[domain.ParticipantID][]*fakePC
	err error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pcs: make(map[domain.ParticipantID][]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(remoteID domain.ParticipantID, role domain.Role) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{remoteID: remoteID, role: role}
	f.pcs[remoteID] = append(f.pcs[remoteID], pc)
	return pc, nil
}

func (f *fakeFactory) last(remoteID domain.ParticipantID) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	pcs := f.pcs[remoteID]
	if len(pcs) == 0 {
		return nil
	}
	return pcs[len(pcs)-1]
}

func (f *fakeFactory) count(remoteID domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[remoteID])
}

type fakeTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return t.streamID }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type fakeMedia struct {
	id     string
	tracks []webrtc.TrackLocal
}

func (m *fakeMedia) ID() string                  { return m.id }
func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func newFakeMedia(streamID string) *fakeMedia {
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		panic(err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		panic(err)
	}
	return &fakeMedia{id: streamID, tracks: []webrtc.TrackLocal{audio, video}}
}

type fakeMediaProvider struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (p *fakeMediaProvider) Acquire(context.Context) (ports.LocalMedia, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return newFakeMedia(fmt.Sprintf("media-%d", p.acquired)), nil
}

func (p *fakeMediaProvider) Release(ports.LocalMedia) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *fakeMediaProvider) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

type sentMessage struct {
	Event   string
	Payload json.RawMessage
}

type requestReply func(payload json.RawMessage) (any, error)

// fakeTransport records outbound traffic and lets tests inject inbound
// events and status changes. Requests are answered by per-event reply
// functions.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []sentMessage
	requests  []sentMessage
	replies   map[string]requestReply
	handlers  map[string][]*ports.EventHandler
	statuses  []*func(ports.TransportStatus)
	connErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies:  make(map[string]requestReply),
		handlers: make(map[string][]*ports.EventHandler),
	}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connErr != nil {
		return t.connErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Send(event string, payload any) {
	data, _ := json.Marshal(payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	t.sent = append(t.sent, sentMessage{Event: event, Payload: data})
}

func (t *fakeTransport) Request(_ context.Context, event string, payload any, out any) error {
	data, _ := json.Marshal(payload)
	t.mu.Lock()
	t.requests = append(t.requests, sentMessage{Event: event, Payload: data})
	reply := t.replies[event]
	t.mu.Unlock()

	if reply == nil {
		return nil
	}
	resp, err := reply(data)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (t *fakeTransport) OnEvent(event string, handler ports.EventHandler) func() {
	h := &handler
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], h)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		hs := t.handlers[event]
		for i, x := range hs {
			if x == h {
				t.handlers[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (t *fakeTransport) OnStatusChange(fn func(ports.TransportStatus)) func() {
	h := &fn
	t.mu.Lock()
	t.statuses = append(t.statuses, h)
	t.mu.Unlock()
	return func() {}
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *fakeTransport) reply(event string, fn requestReply) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[event] = fn
}

// emit delivers an inbound event synchronously, like a transport read loop.
func (t *fakeTransport) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	hs := append([]*ports.EventHandler(nil), t.handlers[event]...)
	t.mu.Unlock()
	for _, h := range hs {
		(*h)(data)
	}
}

func (t *fakeTransport) setStatus(s ports.TransportStatus) {
	t.mu.Lock()
	switch s {
	case ports.StatusDisconnected, ports.StatusFailed:
		t.connected = false
	default:
		t.connected = true
	}
	hs := append([]*func(ports.TransportStatus){}, t.statuses...)
	t.mu.Unlock()
	for _, h := range hs {
		(*h)(s)
	}
}

func (t *fakeTransport) sentEvents(event string) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []json.RawMessage
	for _, m := range t.sent {
		if m.Event == event {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (t *fakeTransport) requestCount(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.requests {
		if m.Event == event {
			n++
		}
	}
	return n
}
