package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/walletd/internal/core/config"
	redisclient "github.com/vietddude/walletd/internal/infra/redis"
	"github.com/vietddude/walletd/internal/infra/storage"
	"github.com/vietddude/walletd/internal/infra/storage/memory"
	"github.com/vietddude/walletd/internal/infra/storage/postgres"
	"github.com/vietddude/walletd/internal/provisioning/health"
	"github.com/vietddude/walletd/internal/provisioning/walletstore"
)

// Backends are the storage collaborators shared by the service and the admin commands.
type Backends struct {
	Wallets   storage.WalletRepository
	Ledger    storage.IdempotencyLedger
	Outcomes  storage.OutcomeRepository
	Decisions storage.DecisionRepository
	Cache     walletstore.Cache

	// DeadLetters is nil when Redis is not configured.
	DeadLetters *redisclient.DeadLetterIndex

	db    *postgres.DB
	redis *redisclient.Client
}

// OpenBackends connects to PostgreSQL and Redis when they are configured and
// falls back to in-memory storage otherwise.
func OpenBackends(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Backends, error) {
	b := &Backends{}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		b.db = db
		b.Wallets = postgres.NewWalletRepo(db)
		b.Ledger = postgres.NewLedgerRepo(db)
		b.Outcomes = postgres.NewOutcomeRepo(db)
		b.Decisions = postgres.NewDecisionRepo(db)
		log.Info("Using PostgreSQL storage", "driver", db.DriverName())
	} else {
		store := memory.NewMemoryStorage()
		b.Wallets = memory.NewWalletRepo(store)
		b.Ledger = memory.NewLedgerRepo(store)
		b.Outcomes = memory.NewOutcomeRepo(store)
		b.Decisions = memory.NewDecisionRepo(store)
		log.Warn("Using Memory storage, state is lost on restart")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		b.redis = client
		b.Cache = redisclient.NewWalletCache(client, cfg.Redis.CacheTTL)
		b.DeadLetters = redisclient.NewDeadLetterIndex(client)
		log.Info("Using Redis wallet cache", "ttl", cfg.Redis.CacheTTL)
	} else {
		b.Cache = walletstore.NewMemoryCache(cfg.Redis.CacheTTL)
		log.Info("Using in-process wallet cache", "ttl", cfg.Redis.CacheTTL)
	}

	return b, nil
}

// RegisterChecks adds a health check per configured backend.
func (b *Backends) RegisterChecks(m *health.Monitor) {
	if b.db != nil {
		m.Register("database", true, b.db.Health)
	}
	if b.redis != nil {
		m.Register("redis", false, b.redis.Ping)
	}
}

// StartMetricsCollector publishes connection pool usage until ctx is done.
func (b *Backends) StartMetricsCollector(ctx context.Context) {
	if b.db != nil {
		b.db.StartMetricsCollector(ctx)
	}
}

// Close releases every connection.
func (b *Backends) Close() error {
	var firstErr error
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
