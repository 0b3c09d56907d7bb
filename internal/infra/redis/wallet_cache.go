package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/walletd/internal/core/domain"
)

// WalletCache stores CacheEntry values as JSON under a per-(user, network) key.
type WalletCache struct {
	client *Client
	ttl    time.Duration
}

// NewWalletCache creates a Redis-backed wallet cache. A zero ttl keeps entries until deleted.
func NewWalletCache(client *Client, ttl time.Duration) *WalletCache {
	return &WalletCache{client: client, ttl: ttl}
}

// Get returns the cached entry, or nil on a miss.
func (c *WalletCache) Get(ctx context.Context, key domain.WalletKey) (*domain.CacheEntry, error) {
	data, err := c.client.rdb.Get(ctx, c.client.walletKey(key.UserID, string(key.Network))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached wallet: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached wallet: %w", err)
	}
	entry.Key = key
	return &entry, nil
}

// Set stores an entry.
func (c *WalletCache) Set(ctx context.Context, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cached wallet: %w", err)
	}
	key := c.client.walletKey(entry.Key.UserID, string(entry.Key.Network))
	if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached wallet: %w", err)
	}
	return nil
}

// Delete invalidates an entry.
func (c *WalletCache) Delete(ctx context.Context, key domain.WalletKey) error {
	if err := c.client.rdb.Del(ctx, c.client.walletKey(key.UserID, string(key.Network))).Err(); err != nil {
		return fmt.Errorf("failed to delete cached wallet: %w", err)
	}
	return nil
}
