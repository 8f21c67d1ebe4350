package domain

// SessionState tracks one broadcast or one join.
// Idle -> Negotiating -> Live -> Ended, and Negotiating -> Ended directly.
type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionNegotiating SessionState = "negotiating"
	SessionLive        SessionState = "live"
	SessionEnded       SessionState = "ended"
)

// Active reports whether the session still holds resources.
func (s SessionState) Active() bool {
	return s == SessionNegotiating || s == SessionLive
}

// BroadcastStatus is a snapshot of the local broadcast.
type BroadcastStatus struct {
	StreamID StreamID
	State    SessionState
	Viewers  []ParticipantID
}

// WatchStatus is a snapshot of the stream the local client is watching.
type WatchStatus struct {
	StreamID      StreamID
	BroadcasterID ParticipantID
	State         SessionState
}

// OrchestratorState is returned by StreamOrchestrator.State.
type OrchestratorState struct {
	LocalID   ParticipantID
	Connected bool
	Broadcast BroadcastStatus
	Watch     WatchStatus
}
