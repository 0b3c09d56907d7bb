package storage

import (
	"context"

	"github.com/vietddude/walletd/internal/core/domain"
)

// WalletRepository is the durable store of provisioned wallets, one row per (user_id, network).
type WalletRepository interface {
	// Put inserts a wallet. It returns domain.ErrDuplicateKey if one already exists for the key.
	Put(ctx context.Context, wallet *domain.WalletRecord) error

	// Get returns the wallet for (userID, network) or domain.ErrNotFound.
	Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error)
}

// IdempotencyLedger records which events have been claimed by a consumer.
// Claims are never expired or deleted.
type IdempotencyLedger interface {
	// TryClaim atomically inserts the event id. A conflicting insert means the
	// event was already claimed by this or another consumer instance.
	TryClaim(ctx context.Context, eventID string) (domain.ClaimResult, error)

	// Complete records the side effect produced for a claimed event.
	Complete(ctx context.Context, eventID string, resultRef string) error

	// Get returns the ledger entry or domain.ErrNotFound.
	Get(ctx context.Context, eventID string) (*domain.IdempotencyEntry, error)
}

// OutcomeRepository keeps the newest verification outcome per (user_id, network).
type OutcomeRepository interface {
	// Record stores the outcome unless a newer one is already recorded.
	Record(ctx context.Context, outcome *domain.OutcomeRecord) error

	// Latest returns the newest outcome or domain.ErrNotFound.
	Latest(ctx context.Context, userID string, network domain.Network) (*domain.OutcomeRecord, error)
}

// DecisionRepository stores finalized verification decisions on the producer side.
type DecisionRepository interface {
	// Save inserts a new decision.
	Save(ctx context.Context, decision *domain.VerificationDecision) error

	// GetLatest returns the most recent decision for (userID, network) or domain.ErrNotFound.
	GetLatest(ctx context.Context, userID string, network domain.Network) (*domain.VerificationDecision, error)

	// UpdatePublishStatus records the result of a publish attempt.
	UpdatePublishStatus(
		ctx context.Context,
		id string,
		status domain.PublishStatus,
		attempts int,
		lastError string,
	) error

	// ListByStatus returns up to limit decisions in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.PublishStatus, limit int) ([]*domain.VerificationDecision, error)

	// CountByStatus returns how many decisions are in the given status.
	CountByStatus(ctx context.Context, status domain.PublishStatus) (int, error)
}
