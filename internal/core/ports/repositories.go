package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// StreamDirectory is the relay's store of live sessions. Entries expire when
// their broadcaster stops touching them.
type StreamDirectory interface {
	// Create fails with domain.ErrStreamAlreadyLive if the id is taken.
	Create(ctx context.Context, session domain.StreamSession) error
	Get(ctx context.Context, id domain.StreamID) (domain.StreamSession, error)
	Update(ctx context.Context, session domain.StreamSession) error
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id domain.StreamID) error
	// ListActive returns live sessions ordered by start time.
	ListActive(ctx context.Context) ([]domain.StreamSession, error)
	// Touch refreshes the expiry of every stream owned by broadcaster.
	Touch(ctx context.Context, broadcaster domain.ParticipantID) error
}
