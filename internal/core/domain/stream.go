package domain

import (
	"time"
)

type StreamID string
type ParticipantID string

// StreamMetadata is the descriptive part of a stream announced by its
// broadcaster.
type StreamMetadata struct {
	Title        string `json:"title"`
	Category     string `json:"category"`
	ThumbnailRef string `json:"thumbnailRef,omitempty"`
}

// StreamSession describes one live stream. IsLive is true from the
// broadcaster's announcement until an end or disconnect has been observed;
// a session that is no longer live is never kept in a directory.
type StreamSession struct {
	ID            StreamID      `json:"id"`
	BroadcasterID ParticipantID `json:"broadcasterId"`
	Title         string        `json:"title"`
	Category      string        `json:"category"`
	ThumbnailRef  string        `json:"thumbnailRef,omitempty"`
	ViewerCount   uint          `json:"viewerCount"`
	IsLive        bool          `json:"isLive"`
	StartedAt     time.Time     `json:"startedAt,omitempty"`
}

func NewStreamSession(id StreamID, broadcaster ParticipantID, meta StreamMetadata) StreamSession {
	return StreamSession{
		ID:            id,
		BroadcasterID: broadcaster,
		Title:         meta.Title,
		Category:      meta.Category,
		ThumbnailRef:  meta.ThumbnailRef,
		IsLive:        true,
		StartedAt:     time.Now().UTC(),
	}
}

func (s StreamSession) Metadata() StreamMetadata {
	return StreamMetadata{Title: s.Title, Category: s.Category, ThumbnailRef: s.ThumbnailRef}
}
