package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
)

type streamEntry struct {
	session   domain.StreamSession
	expiresAt time.Time
	order     uint64
}

// StreamDirectory keeps live sessions in process memory. With a non-zero
// TTL an entry disappears when its broadcaster stops touching it.
type StreamDirectory struct {
	streams map[domain.StreamID]*streamEntry
	ttl     time.Duration
	order   uint64
	now     func() time.Time
	mu      sync.RWMutex
}

func NewStreamDirectory(ttl time.Duration) *StreamDirectory {
	return &StreamDirectory{
		streams: make(map[domain.StreamID]*streamEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *StreamDirectory) expired(e *streamEntry) bool {
	return !e.expiresAt.IsZero() && !r.now().Before(e.expiresAt)
}

func (r *StreamDirectory) deadline() time.Time {
	if r.ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(r.ttl)
}

func (r *StreamDirectory) Create(ctx context.Context, session domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.streams[session.ID]; exists && !r.expired(e) {
		return domain.ErrStreamAlreadyLive
	}

	r.order++
	r.streams[session.ID] = &streamEntry{session: session, expiresAt: r.deadline(), order: r.order}
	return nil
}

func (r *StreamDirectory) Get(ctx context.Context, id domain.StreamID) (domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.streams[id]
	if !exists || r.expired(e) {
		return domain.StreamSession{}, domain.ErrStreamNotFound
	}
	return e.session, nil
}

// Update replaces the stored session without extending its expiry.
func (r *StreamDirectory) Update(ctx context.Context, session domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.streams[session.ID]
	if !exists || r.expired(e) {
		return domain.ErrStreamNotFound
	}
	e.session = session
	return nil
}

func (r *StreamDirectory) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, id)
	return nil
}

func (r *StreamDirectory) ListActive(ctx context.Context) ([]domain.StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*streamEntry, 0, len(r.streams))
	for id, e := range r.streams {
		if r.expired(e) {
			delete(r.streams, id)
			continue
		}
		if e.session.IsLive {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.session.StartedAt.Equal(b.session.StartedAt) {
			return a.session.StartedAt.Before(b.session.StartedAt)
		}
		return a.order < b.order
	})

	sessions := make([]domain.StreamSession, len(entries))
	for i, e := range entries {
		sessions[i] = e.session
	}
	return sessions, nil
}

func (r *StreamDirectory) Touch(ctx context.Context, broadcaster domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.streams {
		if e.session.BroadcasterID == broadcaster && !r.expired(e) {
			e.expiresAt = r.deadline()
		}
	}
	return nil
}
