package webrtc

import (
	"errors"
	"io"

	"livecast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// KeyframeRequester is implemented by local tracks that can produce a
// keyframe on demand.
type KeyframeRequester interface {
	RequestKeyframe()
}

// peerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *peerConnection {
	return &peerConnection{pc: pc, logger: logger}
}

// AddTrack attaches track and starts reading RTCP from its sender. Picture
// loss reports become keyframe requests when the track supports them.
func (p *peerConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	requester, _ := track.(KeyframeRequester)
	go p.processRTCP(sender, track.ID(), requester)
	return nil
}

func (p *peerConnection) processRTCP(sender *webrtc.RTPSender, trackID string, requester KeyframeRequester) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debugw("stopped reading RTCP", "track_id", trackID, "error", err)
			}
			return
		}
		if requester != nil && wantsKeyframe(packets) {
			p.logger.Debugw("keyframe requested", "track_id", trackID)
			requester.RequestKeyframe()
		}
	}
}

func wantsKeyframe(packets []rtcp.Packet) bool {
	for _, packet := range packets {
		switch packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

func (p *peerConnection) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) error {
	_, err := p.pc.AddTransceiverFromKind(kind, init...)
	return err
}

func (p *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Infow("remote track received",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		fn(track)
	})
}

// OnICECandidate skips the nil candidate that marks the end of gathering.
func (p *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}
