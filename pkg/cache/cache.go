package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL support. Expired items
// are dropped lazily.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]item[V]
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]item[V]),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok || !c.now().Before(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(c.ttl)}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len counts stored items, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrLoad returns the cached value for key or stores what load returns.
// Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}
