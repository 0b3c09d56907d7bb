package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Consumer reads the verification topic as part of a consumer group.
//
// Each poll is processed partition by partition in parallel; within a partition
// records are handled strictly in order and handling stops at the first failure.
// Only the acknowledged prefix of each partition is committed, and the partition
// is rewound to the failed record so it is redelivered on the next poll.
type Consumer struct {
	client *kgo.Client
	cfg    Config
	logger *slog.Logger
}

// NewConsumer creates a consumer group client. Auto-commit is disabled.
func NewConsumer(cfg Config, logger *slog.Logger) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{client: client, cfg: cfg, logger: logger}, nil
}

// Run polls until ctx is cancelled. In-flight messages finish before Run returns;
// records that were not acknowledged are not committed.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	c.logger.Info("Kafka consumer started",
		"topic", c.cfg.Topic,
		"group", c.cfg.ConsumerGroup,
	)

	for {
		fetches := c.client.PollRecords(ctx, c.cfg.PollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			c.logger.Info("Kafka consumer stopped")
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("Fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		committable, rewinds := c.processFetches(ctx, fetches, h)

		if len(committable) > 0 {
			commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := c.client.CommitRecords(commitCtx, committable...); err != nil {
				// Uncommitted records are redelivered and deduplicated by the idempotency ledger.
				c.logger.Error("Offset commit failed", "error", err)
			}
			cancel()
		}

		if len(rewinds) > 0 {
			c.client.SetOffsets(rewinds)
		}
		c.client.AllowRebalance()

		if len(rewinds) > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.RedeliveryBackoff):
			}
		}
	}
}

// processFetches handles each partition on its own goroutine and returns the last
// acknowledged record per partition and the offsets to rewind to.
func (c *Consumer) processFetches(
	ctx context.Context,
	fetches kgo.Fetches,
	h Handler,
) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		committable []*kgo.Record
		rewinds     = make(map[string]map[int32]kgo.EpochOffset)
	)

	// Handling must not be interrupted halfway by shutdown.
	workCtx := context.WithoutCancel(ctx)

	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		wg.Add(1)
		go func(p kgo.FetchTopicPartition) {
			defer wg.Done()

			var acked *kgo.Record
			var failed *kgo.Record
			for _, r := range p.Records {
				if ctx.Err() != nil {
					failed = r
					break
				}
				if err := h.Handle(workCtx, fromRecord(r)); err != nil {
					c.logger.Warn("Message not acknowledged, will be redelivered",
						"topic", r.Topic,
						"partition", r.Partition,
						"offset", r.Offset,
						"error", err,
					)
					failed = r
					break
				}
				acked = r
			}

			mu.Lock()
			defer mu.Unlock()
			if acked != nil {
				committable = append(committable, acked)
			}
			if failed != nil {
				if rewinds[p.Topic] == nil {
					rewinds[p.Topic] = make(map[int32]kgo.EpochOffset)
				}
				rewinds[p.Topic][p.Partition] = kgo.EpochOffset{
					Epoch:  failed.LeaderEpoch,
					Offset: failed.Offset,
				}
			}
		}(p)
	})

	wg.Wait()
	return committable, rewinds
}

// Ping checks broker connectivity.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
