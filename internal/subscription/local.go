package subscription

import (
	"context"
	"sync"
	"time"
)

// LocalCache is an in-memory Cache with per-entry expiry.
// Suitable for single-instance deployments.
type LocalCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]localEntry
}

type localEntry struct {
	sub       Subscription
	expiresAt time.Time
}

// NewLocalCache creates a local cache. A zero ttl uses DefaultTTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]localEntry),
	}
}

// Get implements Cache. Expired entries are evicted lazily.
func (c *LocalCache) Get(_ context.Context, key string) (*Subscription, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	s := e.sub
	return &s, nil
}

// Set implements Cache.
func (c *LocalCache) Set(_ context.Context, key string, s *Subscription) error {
	if s == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = localEntry{sub: *s, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}
