package domain

import "errors"

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrPeerNotFound      = errors.New("peer connection not found")
	ErrStreamAlreadyLive = errors.New("stream already live")
	ErrInvalidPhase      = errors.New("invalid negotiation phase")
	ErrBroadcastActive   = errors.New("a broadcast is already active")
	ErrAlreadyWatching   = errors.New("already watching a stream")
	ErrNotOwner          = errors.New("participant does not own the stream")
)
