// Package control wires the provisioning service together and owns its lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/walletd/internal/core/config"
	"github.com/vietddude/walletd/internal/core/derivation"
	"github.com/vietddude/walletd/internal/infra/kafka"
	"github.com/vietddude/walletd/internal/provisioning/consumer"
	"github.com/vietddude/walletd/internal/provisioning/health"
	"github.com/vietddude/walletd/internal/provisioning/limiter"
	"github.com/vietddude/walletd/internal/provisioning/recovery"
	"github.com/vietddude/walletd/internal/provisioning/walletstore"
)

const brokerPingTimeout = 10 * time.Second

// Service is the wallet provisioning process: one Kafka consumer group member,
// the generation limiter and the ops HTTP server.
type Service struct {
	cfg          *config.AppConfig
	backends     *Backends
	limiter      *limiter.Limiter
	handler      *consumer.Handler
	consumer     *kafka.Consumer
	producer     *kafka.Producer
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewEngine builds the derivation engine from configured secrets.
func NewEngine(cfg config.DerivationConfig) (*derivation.Engine, error) {
	seed, err := derivation.NewMasterSeed(cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	cipher, err := derivation.NewKeyCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, err
	}
	return derivation.NewEngine(seed, cipher), nil
}

// NewService validates cfg and initializes every dependency. Unreachable
// storage or brokers are fatal.
func NewService(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	engine, err := NewEngine(cfg.Derivation)
	if err != nil {
		return nil, err
	}

	backends, err := OpenBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		_ = backends.Close()
		return nil, err
	}
	kc, err := kafka.NewConsumer(cfg.Kafka, log)
	if err != nil {
		producer.Close()
		_ = backends.Close()
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, brokerPingTimeout)
	err = kc.Ping(pingCtx)
	cancel()
	if err != nil {
		kc.Close()
		producer.Close()
		_ = backends.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers: %w", err)
	}

	lim := limiter.New(cfg.Provisioning.MaxConcurrentGenerations, cfg.Provisioning.ClaimTimeout)
	store := walletstore.New(backends.Wallets, backends.Cache, log)

	deps := consumer.Deps{
		Ledger:    backends.Ledger,
		Outcomes:  backends.Outcomes,
		Wallets:   store,
		Engine:    engine,
		Limiter:   lim,
		Publisher: producer,
		Strategy: &recovery.ExponentialBackoff{
			InitialDelay: cfg.Provisioning.RetryBackoff,
			MaxDelay:     5 * time.Second,
			MaxAttempts:  cfg.Provisioning.RetryAttempts,
			Classifier:   recovery.Classify,
		},
		Logger: log,
	}
	if backends.DeadLetters != nil {
		deps.DeadLetters = backends.DeadLetters
	}

	monitor := health.NewMonitor(lim)
	backends.RegisterChecks(monitor)
	monitor.Register("kafka", true, kc.Ping)

	return &Service{
		cfg:          cfg,
		backends:     backends,
		limiter:      lim,
		handler:      consumer.NewHandler(deps),
		consumer:     kc,
		producer:     producer,
		healthServer: health.NewServer(monitor, store, cfg.Server.Port),
		log:          log,
	}, nil
}

// Start launches the consumer loop and the ops server. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		return s.consumer.Run(gctx, s.handler)
	})
	g.Go(func() error {
		s.log.Info("Ops server listening", "port", s.cfg.Server.Port)
		return s.healthServer.Start()
	})

	s.backends.StartMetricsCollector(gctx)

	s.log.Info("Wallet provisioning started",
		"topic", s.cfg.Kafka.Topic,
		"group", s.cfg.Kafka.ConsumerGroup,
		"max_concurrent_generations", s.cfg.Provisioning.MaxConcurrentGenerations,
	)
	return nil
}

// Wait blocks until a component fails or the service is stopped.
func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop stops polling, waits for in-flight derivations and closes every client.
// Unacknowledged messages are redelivered on the next start.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping wallet provisioning...")

	var errs []error
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.limiter.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain limiter: %w", err))
	}
	if err := s.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop ops server: %w", err))
	}
	if err := s.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}

	s.consumer.Close()
	s.producer.Close()
	if err := s.backends.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backends: %w", err))
	}

	return errors.Join(errs...)
}
