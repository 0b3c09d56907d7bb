package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/walletd/internal/core/domain"
)

// LedgerRepo implements storage.IdempotencyLedger using PostgreSQL.
// The primary key on event_id arbitrates claim races between consumer instances.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates a new PostgreSQL idempotency ledger.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// TryClaim inserts the event id; zero affected rows means it was already claimed.
func (r *LedgerRepo) TryClaim(ctx context.Context, eventID string) (domain.ClaimResult, error) {
	query := `
		INSERT INTO idempotency_entries (event_id, processed_at, result_ref)
		VALUES ($1, NOW(), '')
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return domain.ClaimAlreadyProcessed, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ClaimAlreadyProcessed, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		return domain.ClaimAlreadyProcessed, nil
	}
	return domain.ClaimClaimed, nil
}

// Complete records the side effect of a claimed event.
func (r *LedgerRepo) Complete(ctx context.Context, eventID string, resultRef string) error {
	query := `
		UPDATE idempotency_entries
		SET result_ref = $2, processed_at = NOW()
		WHERE event_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, eventID, resultRef)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete %s: %w", eventID, domain.ErrNotFound)
	}
	return nil
}

// Get retrieves a ledger entry.
func (r *LedgerRepo) Get(ctx context.Context, eventID string) (*domain.IdempotencyEntry, error) {
	query := `
		SELECT event_id, processed_at, result_ref
		FROM idempotency_entries
		WHERE event_id = $1
	`
	var e domain.IdempotencyEntry
	if err := r.db.GetContext(ctx, &e, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &e, nil
}
