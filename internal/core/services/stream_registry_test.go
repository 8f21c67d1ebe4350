package services

import (
	"fmt"
	"sync"
	"testing"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func live(id domain.StreamID, broadcaster domain.ParticipantID) domain.StreamSession {
	return domain.StreamSession{ID: id, BroadcasterID: broadcaster, Title: string(id), IsLive: true}
}

func ids(sessions []domain.StreamSession) []domain.StreamID {
	out := make([]domain.StreamID, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}

func TestStreamRegistry_UpsertKeepsFirstSeenOrder(t *testing.T) {
	r := NewStreamRegistry(nil)

	r.Upsert(live("s1", "b1"))
	r.Upsert(live("s2", "b2"))
	updated := live("s1", "b1")
	updated.ViewerCount = 3
	r.Upsert(updated)

	assert.Equal(t, []domain.StreamID{"s1", "s2"}, ids(r.List()))
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, uint(3), got.ViewerCount)
}

func TestStreamRegistry_NotLiveIsRemoved(t *testing.T) {
	r := NewStreamRegistry(nil)
	r.Upsert(live("s1", "b1"))

	ended := live("s1", "b1")
	ended.IsLive = false
	r.Upsert(ended)

	_, ok := r.Get("s1")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}

func TestStreamRegistry_ListIsSnapshot(t *testing.T) {
	r := NewStreamRegistry(nil)
	r.Upsert(live("s1", "b1"))

	list := r.List()
	list[0].Title = "mutated"
	r.Upsert(live("s2", "b2"))

	got, _ := r.Get("s1")
	assert.Equal(t, "s1", got.Title)
	assert.Len(t, list, 1)
}

func TestStreamRegistry_EndedNeverListed(t *testing.T) {
	r := NewStreamRegistry(nil)
	require.True(t, r.Replace([]domain.StreamSession{live("s1", "b1"), live("s2", "b2")}, r.Sequence()))

	r.Remove("s1")

	assert.Equal(t, []domain.StreamID{"s2"}, ids(r.List()))
}

func TestStreamRegistry_ReplaceIsFullReplace(t *testing.T) {
	r := NewStreamRegistry(nil)
	r.Upsert(live("old", "b0"))

	notLive := live("gone", "b9")
	notLive.IsLive = false
	applied := r.Replace([]domain.StreamSession{live("s2", "b2"), live("s1", "b1"), notLive}, r.Sequence())

	require.True(t, applied)
	assert.Equal(t, []domain.StreamID{"s2", "s1"}, ids(r.List()))
}

func TestStreamRegistry_StaleSnapshotDiscarded(t *testing.T) {
	r := NewStreamRegistry(nil)
	asOf := r.Sequence()

	// a push lands while the pull is in flight
	r.Remove("s1")

	applied := r.Replace([]domain.StreamSession{live("s1", "b1")}, asOf)
	assert.False(t, applied)
	assert.Empty(t, r.List())
}

func TestStreamRegistry_InsertIfAbsent(t *testing.T) {
	r := NewStreamRegistry(nil)
	existing := live("s1", "b1")
	existing.ViewerCount = 4
	r.Upsert(existing)

	assert.False(t, r.InsertIfAbsent(live("s1", "b1")))
	got, _ := r.Get("s1")
	assert.Equal(t, uint(4), got.ViewerCount)

	assert.True(t, r.InsertIfAbsent(live("s2", "b2")))
	assert.Equal(t, 2, r.Len())
}

func TestStreamRegistry_Subscribe(t *testing.T) {
	r := NewStreamRegistry(nil)

	var changes []RegistryChange
	unsubscribe := r.Subscribe(func(c RegistryChange) { changes = append(changes, c) })

	r.Upsert(live("s1", "b1"))
	r.Upsert(live("s2", "b2"))
	r.Remove("s1")

	require.Len(t, changes, 3)
	assert.Equal(t, uint64(1), changes[0].Sequence)
	assert.Equal(t, uint64(3), changes[2].Sequence)
	assert.Equal(t, []domain.StreamID{"s2"}, ids(changes[2].Streams))

	unsubscribe()
	r.Upsert(live("s3", "b3"))
	assert.Len(t, changes, 3)
}

func TestStreamRegistry_StaleChangeIsNotDelivered(t *testing.T) {
	r := NewStreamRegistry(nil)
	var got []uint64
	r.Subscribe(func(c RegistryChange) { got = append(got, c.Sequence) })

	r.publish(RegistryChange{Sequence: 2})
	r.publish(RegistryChange{Sequence: 1})
	r.publish(RegistryChange{Sequence: 3})

	assert.Equal(t, []uint64{2, 3}, got)
}

func TestStreamRegistry_ConcurrentChangesArriveInOrder(t *testing.T) {
	r := NewStreamRegistry(nil)
	var (
		mu  sync.Mutex
		got []uint64
	)
	r.Subscribe(func(c RegistryChange) {
		mu.Lock()
		got = append(got, c.Sequence)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := domain.StreamID(fmt.Sprintf("s%d-%d", i, j))
				r.Upsert(live(id, "b1"))
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("sequence %d delivered after %d", got[i], got[i-1])
		}
	}
	assert.Equal(t, r.Sequence(), got[len(got)-1])
}
