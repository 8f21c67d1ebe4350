package services

import (
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/event"
)

// RegistryChange is published after every mutation of the registry with the
// resulting snapshot.
type RegistryChange struct {
	Sequence uint64
	Streams  []domain.StreamSession
}

// StreamRegistry is the client's advisory directory of live streams. Push
// events are applied in arrival order, each bumping a sequence number. A
// pulled snapshot replaces the whole directory, unless a push arrived after
// the pull was issued, in which case the snapshot is stale and dropped.
type StreamRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.StreamID]domain.StreamSession
	order    []domain.StreamID
	seq      uint64

	metrics ports.MetricsRecorder
	changes event.Feed[RegistryChange]

	// pubMu orders delivery; published is the last delivered sequence.
	pubMu     sync.Mutex
	published uint64
}

func NewStreamRegistry(metrics ports.MetricsRecorder) *StreamRegistry {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StreamRegistry{
		sessions: make(map[domain.StreamID]domain.StreamSession),
		metrics:  metrics,
	}
}

// Upsert inserts or replaces a session. A session that is not live is
// removed instead.
func (r *StreamRegistry) Upsert(session domain.StreamSession) {
	if !session.IsLive {
		r.Remove(session.ID)
		return
	}

	r.mu.Lock()
	if _, exists := r.sessions[session.ID]; !exists {
		r.order = append(r.order, session.ID)
	}
	r.sessions[session.ID] = session
	change := r.commitLocked()
	r.mu.Unlock()

	r.publish(change)
}

// InsertIfAbsent adds session only when its id is unknown. It reports
// whether the session was added.
func (r *StreamRegistry) InsertIfAbsent(session domain.StreamSession) bool {
	if !session.IsLive {
		return false
	}

	r.mu.Lock()
	if _, exists := r.sessions[session.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.sessions[session.ID] = session
	r.order = append(r.order, session.ID)
	change := r.commitLocked()
	r.mu.Unlock()

	r.publish(change)
	return true
}

// Remove deletes a session. Removing an unknown id still counts as an
// applied push.
func (r *StreamRegistry) Remove(id domain.StreamID) {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		for i, sid := range r.order {
			if sid == id {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
	change := r.commitLocked()
	r.mu.Unlock()

	r.publish(change)
}

// Replace swaps the whole directory for sessions, in the given order, if no
// push has been applied since sequence asOf. It reports whether the
// snapshot was applied.
func (r *StreamRegistry) Replace(sessions []domain.StreamSession, asOf uint64) bool {
	r.mu.Lock()
	if r.seq != asOf {
		r.mu.Unlock()
		return false
	}

	r.sessions = make(map[domain.StreamID]domain.StreamSession, len(sessions))
	r.order = r.order[:0]
	for _, s := range sessions {
		if !s.IsLive {
			continue
		}
		if _, dup := r.sessions[s.ID]; !dup {
			r.order = append(r.order, s.ID)
		}
		r.sessions[s.ID] = s
	}
	change := r.commitLocked()
	r.mu.Unlock()

	r.publish(change)
	return true
}

// List returns a snapshot of live sessions in first-seen order.
func (r *StreamRegistry) List() []domain.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *StreamRegistry) Get(id domain.StreamID) (domain.StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sequence returns the number of changes applied so far. Pass it to Replace
// to detect pushes that raced with a pull.
func (r *StreamRegistry) Sequence() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (r *StreamRegistry) Subscribe(fn func(RegistryChange)) func() {
	return r.changes.Subscribe(fn)
}

func (r *StreamRegistry) commitLocked() RegistryChange {
	r.seq++
	return RegistryChange{Sequence: r.seq, Streams: r.snapshotLocked()}
}

func (r *StreamRegistry) snapshotLocked() []domain.StreamSession {
	out := make([]domain.StreamSession, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// publish delivers change unless a later snapshot has already gone out, so
// subscribers see strictly increasing sequences. Subscribers must not
// mutate the registry from the callback.
func (r *StreamRegistry) publish(change RegistryChange) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if change.Sequence <= r.published {
		return
	}
	r.published = change.Sequence
	r.metrics.SetRegistryStreams(len(change.Streams))
	r.changes.Publish(change)
}
