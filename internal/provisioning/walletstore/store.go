// Package walletstore puts a read-through cache in front of the durable wallet repository.
package walletstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/infra/storage"
	"github.com/vietddude/walletd/internal/provisioning/metrics"
)

// Store is the wallet store used by the consumer and the query interface.
// The repository is the system of record; the cache only ever holds copies of committed rows.
type Store struct {
	repo   storage.WalletRepository
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cached wallet store. A nil cache disables caching.
func New(repo storage.WalletRepository, cache Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Put persists a record and invalidates its cache entry.
// It returns domain.ErrDuplicateKey if a record already exists for the key.
func (s *Store) Put(ctx context.Context, rec *domain.WalletRecord) error {
	if err := s.repo.Put(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, rec.Key())
	return nil
}

// Get reads through the cache. Misses are not cached, so a later Put is
// immediately visible.
func (s *Store) Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error) {
	key := domain.WalletKey{UserID: userID, Network: network}

	if s.cache != nil {
		entry, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.CacheRequests.WithLabelValues("error").Inc()
			s.logger.Warn("Wallet cache read failed, falling back to store",
				"user_id", userID,
				"network", network,
				"error", err,
			)
		case entry != nil && entry.Record != nil:
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return entry.Record, nil
		default:
			metrics.CacheRequests.WithLabelValues("miss").Inc()
		}
	}

	rec, err := s.repo.Get(ctx, userID, network)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		entry := &domain.CacheEntry{Key: key, Record: rec, InsertedAt: s.now()}
		if err := s.cache.Set(ctx, entry); err != nil {
			s.logger.Warn("Wallet cache populate failed",
				"user_id", userID,
				"network", network,
				"error", err,
			)
		}
	}
	return rec, nil
}

// GetWallet is the query interface: GetWallet(user_id, network) -> WalletRecord | NotFound.
func (s *Store) GetWallet(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error) {
	return s.Get(ctx, userID, network)
}

func (s *Store) invalidate(ctx context.Context, key domain.WalletKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		// The only prior state for an append-only key is a miss, which is never cached.
		s.logger.Warn("Wallet cache invalidate failed",
			"user_id", key.UserID,
			"network", key.Network,
			"error", err,
		)
	}
}
