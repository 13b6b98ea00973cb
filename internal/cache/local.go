package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	status    Status
	expiresAt time.Time
}

// MemoryCache implements Cache in process memory.
// This is suitable for single-instance deployments.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache creates an in-memory cache. A ttl <= 0 disables caching.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a copy of the cached status.
func (c *MemoryCache) Get(_ context.Context, key string) (*Status, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(item.expiresAt) {
		return nil, nil
	}
	status := item.status
	return &status, nil
}

// Set stores a copy of status and drops expired entries.
func (c *MemoryCache) Set(_ context.Context, key string, status *Status) error {
	if c.ttl <= 0 || status == nil {
		return nil
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = memoryItem{status: *status, expiresAt: now.Add(c.ttl)}
	return nil
}

// Close is a no-op for the memory cache.
func (c *MemoryCache) Close() error {
	return nil
}
