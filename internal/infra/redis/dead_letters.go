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

// DeadLetterRetention is how long indexed dead letters stay inspectable.
const DeadLetterRetention = 7 * 24 * time.Hour

// DeadLetterIndex keeps recently dead-lettered events for operator inspection.
// The Kafka dead-letter topic stays the system of record.
type DeadLetterIndex struct {
	client    *Client
	retention time.Duration
	now       func() time.Time
}

// NewDeadLetterIndex creates a Redis-backed dead-letter index.
func NewDeadLetterIndex(client *Client) *DeadLetterIndex {
	return &DeadLetterIndex{
		client:    client,
		retention: DeadLetterRetention,
		now:       time.Now,
	}
}

// Add indexes a dead letter, scored by the time it was dead-lettered.
func (r *DeadLetterIndex) Add(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	id := dl.EventID
	if id == "" {
		id = fmt.Sprintf("unknown-%d", dl.DeadLetteredAt.UnixNano())
	}

	if err := r.client.rdb.Set(ctx, r.client.deadLetterKey(id), data, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to set dead letter: %w", err)
	}

	if err := r.client.rdb.ZAdd(ctx, r.client.deadLetterIndexKey(), redis.Z{
		Score:  float64(dl.DeadLetteredAt.Unix()),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter index: %w", err)
	}

	// Trim index entries older than the retention window
	cutoff := r.now().Add(-r.retention).Unix()
	r.client.rdb.ZRemRangeByScore(ctx, r.client.deadLetterIndexKey(), "-inf", fmt.Sprintf("(%d", cutoff))

	return nil
}

// Recent returns up to limit dead letters, newest first.
func (r *DeadLetterIndex) Recent(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.client.rdb.ZRevRange(ctx, r.client.deadLetterIndexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.rdb.Get(ctx, r.client.deadLetterKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Data expired but ID still in the index, remove it
			r.client.rdb.ZRem(ctx, r.client.deadLetterIndexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get dead letter: %w", err)
		}

		var dl domain.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Count returns the number of indexed dead letters.
func (r *DeadLetterIndex) Count(ctx context.Context) (int, error) {
	n, err := r.client.rdb.ZCard(ctx, r.client.deadLetterIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
