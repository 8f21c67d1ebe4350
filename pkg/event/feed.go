// Package event provides an ordered, multi-subscriber notification feed.
package event

import "sync"

// Feed delivers values to every subscriber in subscription order. Publishing
// takes a snapshot of the subscriber list, so handlers may subscribe or
// unsubscribe from inside a callback.
type Feed[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscriber[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.id == id {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			return
		}
	}
}

// Publish calls each current subscriber with v on the caller's goroutine.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	subs := make([]subscriber[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
