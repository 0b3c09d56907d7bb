package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection shared by the wallet cache and the dead-letter index.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string        `yaml:"url"        env:"URL"`
	Password  string        `yaml:"password"   env:"PASSWORD"`
	CacheTTL  time.Duration `yaml:"cache_ttl"  env:"CACHE_TTL"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromRedis(rdb, cfg.KeyPrefix), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "walletd"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) walletKey(userID, network string) string {
	return fmt.Sprintf("%s:wallet:%s:%s", c.prefix, userID, network)
}

func (c *Client) deadLetterIndexKey() string {
	return fmt.Sprintf("%s:dead_letters", c.prefix)
}

func (c *Client) deadLetterKey(eventID string) string {
	return fmt.Sprintf("%s:dead_letter:%s", c.prefix, eventID)
}
