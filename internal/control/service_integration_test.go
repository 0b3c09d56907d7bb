//go:build integration

package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"

	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/infra/kafka"
	"github.com/vietddude/walletd/internal/verification"
)

func TestProvisioningEndToEnd_Integration(t *testing.T) {
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("walletd"),
		tcpostgres.WithUsername("walletd"),
		tcpostgres.WithPassword("walletd"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(rc) })
	redisURL, err := rc.ConnectionString(ctx)
	require.NoError(t, err)

	rp, err := redpanda.Run(ctx,
		"docker.redpanda.com/redpandadata/redpanda:v24.2.7",
		redpanda.WithAutoCreateTopics(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(rp) })
	broker, err := rp.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Database.URL = dsn
	cfg.Redis.URL = redisURL
	cfg.Kafka.Brokers = []string{broker}
	cfg.Kafka.ConsumerGroup = "walletd-e2e"
	cfg.Kafka.RedeliveryBackoff = 100 * time.Millisecond

	svc, err := NewService(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	producer, err := kafka.NewProducer(cfg.Kafka, nil)
	require.NoError(t, err)
	defer producer.Close()

	verifier := verification.NewService(svc.backends.Decisions, producer, nil, nil)
	d, err := verifier.Finalize(ctx, "u1", "ethereum", domain.OutcomeApproved)
	require.NoError(t, err)
	assert.Equal(t, domain.PublishStatusPublished, d.PublishStatus)

	// Redelivery of the same event.
	require.NoError(t, producer.PublishVerification(ctx, d.Event()))

	// Unsupported network goes to the dead letter topic.
	require.NoError(t, producer.PublishVerification(ctx, &domain.VerificationEvent{
		EventID:    "e-doge",
		UserID:     "u2",
		Network:    "dogecoin",
		Outcome:    domain.OutcomeApproved,
		VerifiedAt: time.Now().UTC(),
	}))

	var rec *domain.WalletRecord
	require.Eventually(t, func() bool {
		rec, err = svc.backends.Wallets.Get(ctx, "u1", domain.NetworkEthereum)
		return err == nil
	}, 60*time.Second, 200*time.Millisecond)
	assert.NotEmpty(t, rec.Address)
	assert.NotEmpty(t, rec.EncryptedKey)

	require.Eventually(t, func() bool {
		n, err := svc.backends.DeadLetters.Count(ctx)
		return err == nil && n == 1
	}, 60*time.Second, 200*time.Millisecond)

	entry, err := svc.backends.Ledger.Get(ctx, d.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultRefWallet+"u1:ethereum", entry.ResultRef)

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
}
