package ports

import (
	"context"

	"livecast/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiation
// layer drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnTrack(fn func(RemoteTrack))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// PeerConnectionFactory creates one PeerConnection per remote participant.
// The role selects the publish or view configuration.
type PeerConnectionFactory interface {
	NewPeerConnection(remoteID domain.ParticipantID, role domain.Role) (PeerConnection, error)
}

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LocalMedia is a captured set of tracks, shared by every outbound
// connection of one broadcast.
type LocalMedia interface {
	ID() string
	Tracks() []webrtc.TrackLocal
}

// MediaProvider is the media-capture collaborator.
type MediaProvider interface {
	Acquire(ctx context.Context) (LocalMedia, error)
	Release(media LocalMedia)
}

// IdentityProvider supplies the local ParticipantID.
type IdentityProvider interface {
	ParticipantID(ctx context.Context) (domain.ParticipantID, error)
}
