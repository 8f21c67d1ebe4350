package domain

import "github.com/pion/webrtc/v3"

// Signaling events exchanged with the relay.
const (
	EventCreateStream     = "create-stream"
	EventJoinStream       = "join-stream"
	EventLeaveStream      = "leave-stream"
	EventEndStream        = "end-stream"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventStreamStarted    = "stream-started"
	EventStreamUpdate     = "stream-update"
	EventStreamEnded      = "stream-ended"
	EventViewerLeft       = "viewer-left"
	EventGetActiveStreams = "get-active-streams"
)

// CreateStreamPayload announces a broadcast.
type CreateStreamPayload struct {
	StreamID     StreamID      `json:"streamId"`
	UserID       ParticipantID `json:"userId"`
	Title        string        `json:"title"`
	Category     string        `json:"category"`
	ThumbnailRef string        `json:"thumbnailRef,omitempty"`
}

// StreamRef names a stream and a participant: join-stream, leave-stream,
// end-stream and viewer-left.
type StreamRef struct {
	StreamID StreamID      `json:"streamId"`
	UserID   ParticipantID `json:"userId"`
}

// JoinAck is the relay's answer to join-stream.
type JoinAck struct {
	StreamID      StreamID      `json:"streamId"`
	BroadcasterID ParticipantID `json:"broadcasterId"`
}

// StreamStartedPayload is sent to everyone when a stream is created
// (UserID is the broadcaster) and to the broadcaster when a viewer joins
// (UserID is the viewer).
type StreamStartedPayload struct {
	StreamID     StreamID      `json:"streamId"`
	UserID       ParticipantID `json:"userId"`
	Title        string        `json:"title,omitempty"`
	Category     string        `json:"category,omitempty"`
	ThumbnailRef string        `json:"thumbnailRef,omitempty"`
}

// UserID in negotiation payloads names the target when sent and the sender
// when received; the relay rewrites it in between.

type OfferPayload struct {
	StreamID StreamID                  `json:"streamId"`
	UserID   ParticipantID             `json:"userId"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	StreamID StreamID                  `json:"streamId"`
	UserID   ParticipantID             `json:"userId"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	StreamID  StreamID                `json:"streamId"`
	UserID    ParticipantID           `json:"userId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
