package domain

import "time"

// Participant is the identity bound to one signaling connection.
type Participant struct {
	ID          ParticipantID
	DisplayName string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}
