package walletstore

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/walletd/internal/core/domain"
)

// Cache is the soft, reconstructible copy of wallet records. A nil entry with a nil error is a miss.
type Cache interface {
	Get(ctx context.Context, key domain.WalletKey) (*domain.CacheEntry, error)
	Set(ctx context.Context, entry *domain.CacheEntry) error
	Delete(ctx context.Context, key domain.WalletKey) error
}

// MemoryCache is an in-process Cache with an optional TTL.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[domain.WalletKey]*domain.CacheEntry
}

// NewMemoryCache creates a memory cache. A zero ttl keeps entries until deleted.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.WalletKey]*domain.CacheEntry),
	}
}

func (c *MemoryCache) Get(ctx context.Context, key domain.WalletKey) (*domain.CacheEntry, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if c.ttl > 0 && c.now().Sub(e.InsertedAt) >= c.ttl {
		c.mu.Lock()
		// Only evict if nobody replaced it meanwhile
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}

	cp := *e
	rec := *e.Record
	cp.Record = &rec
	return &cp, nil
}

func (c *MemoryCache) Set(ctx context.Context, entry *domain.CacheEntry) error {
	rec := *entry.Record
	cp := *entry
	cp.Record = &rec

	c.mu.Lock()
	c.entries[entry.Key] = &cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key domain.WalletKey) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
