package domain

import (
	"github.com/pion/webrtc/v3"
)

// Role is the local side's part in one peer connection. The side that
// publishes media is the broadcaster.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Phase is the negotiation phase of one peer connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferSent
	PhaseOfferReceived
	PhaseAnswerSent
	PhaseAnswerReceived
	PhaseConnected
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseIdle:           "idle",
	PhaseOfferSent:      "offer-sent",
	PhaseOfferReceived:  "offer-received",
	PhaseAnswerSent:     "answer-sent",
	PhaseAnswerReceived: "answer-received",
	PhaseConnected:      "connected",
	PhaseClosed:         "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Negotiating reports whether the phase is still waiting on the remote side.
func (p Phase) Negotiating() bool {
	return p == PhaseOfferSent || p == PhaseOfferReceived
}

// RemoteDescriptionSet reports whether a remote description has been applied
// in this phase, i.e. candidates may be added directly.
func (p Phase) RemoteDescriptionSet() bool {
	switch p {
	case PhaseAnswerSent, PhaseAnswerReceived, PhaseConnected:
		return true
	}
	return false
}

// NegotiationState is a snapshot of one remote peer's negotiation.
type NegotiationState struct {
	RemoteID          ParticipantID
	Role              Role
	Phase             Phase
	PendingCandidates []webrtc.ICECandidateInit
}
