package cache

import (
	"context"
	"sync"
	"time"
)

// entry is a cached value with its expiration time.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a thread-safe in-process cache with per-entry TTL. It is
// used when no Redis address is configured and as a substitutable fake in
// tests. Expiry is lazy on read, with a periodic cleanup sweep for entries
// that are never read again.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewMemoryCache creates an in-process cache and starts its cleanup loop.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:     make(map[string]entry),
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value. An expired entry is treated as absent and removed.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a value with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate removes a single key.
func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// InvalidateConfig removes every entry whose config segment matches.
func (c *MemoryCache) InvalidateConfig(_ context.Context, configID string) error {
	c.mu.Lock()
	for key := range c.entries {
		if keyConfigID(key) == configID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Close stops the cleanup loop.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// cleanupLoop periodically drops expired entries.
func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
