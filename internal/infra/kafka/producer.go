package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/provisioning/metrics"
)

// Producer publishes events with acknowledgement from all in-sync replicas.
// Records are partitioned by key, so all events for one user stay ordered.
type Producer struct {
	client *kgo.Client
	cfg    Config
	logger *slog.Logger
}

// NewProducer creates a producer client.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID+"-producer"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{client: client, cfg: cfg, logger: logger}, nil
}

// Publish writes one record and waits for the broker acknowledgement.
func (p *Producer) Publish(
	ctx context.Context,
	topic string,
	key, value []byte,
	headers map[string]string,
) error {
	rec := &kgo.Record{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: toHeaders(headers),
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}

// PublishVerification publishes a verification event keyed by user_id.
func (p *Producer) PublishVerification(ctx context.Context, evt *domain.VerificationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal verification event: %w", err)
	}
	return p.Publish(ctx, p.cfg.Topic, []byte(evt.UserID), data, map[string]string{
		domain.HeaderEventType: domain.TopicUserVerified,
		domain.HeaderEventID:   evt.EventID,
	})
}

// PublishDeadLetter publishes a failed event with its failure reason, keyed like the original.
func (p *Producer) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter, key []byte) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if len(key) == 0 {
		key = []byte(dl.UserID)
	}
	return p.Publish(ctx, p.cfg.DeadLetterTopic, key, data, map[string]string{
		domain.HeaderEventType:     domain.TopicDeadLetter,
		domain.HeaderEventID:       dl.EventID,
		domain.HeaderFailureReason: dl.FailureReason,
		domain.HeaderAttemptCount:  strconv.Itoa(dl.AttemptCount),
	})
}

// PublishWalletCreated publishes a wallet.created notification keyed by user_id:network.
func (p *Producer) PublishWalletCreated(ctx context.Context, evt *domain.WalletCreatedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet created event: %w", err)
	}
	key := domain.WalletKey{UserID: evt.UserID, Network: evt.Network}.String()
	return p.Publish(ctx, p.cfg.WalletCreatedTopic, []byte(key), data, map[string]string{
		domain.HeaderEventType: domain.TopicWalletCreated,
	})
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes pending records and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("Producer flush failed", "error", err)
	}
	p.client.Close()
}
