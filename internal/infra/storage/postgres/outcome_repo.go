package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/walletd/internal/core/domain"
)

// OutcomeRepo implements storage.OutcomeRepository using PostgreSQL.
type OutcomeRepo struct {
	db *DB
}

// NewOutcomeRepo creates a new PostgreSQL outcome repository.
func NewOutcomeRepo(db *DB) *OutcomeRepo {
	return &OutcomeRepo{db: db}
}

// Record upserts the outcome only when it is not older than the stored one.
func (r *OutcomeRepo) Record(ctx context.Context, o *domain.OutcomeRecord) error {
	query := `
		INSERT INTO verification_outcomes (user_id, network, outcome, event_id, verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, network) DO UPDATE
		SET outcome = EXCLUDED.outcome,
		    event_id = EXCLUDED.event_id,
		    verified_at = EXCLUDED.verified_at
		WHERE verification_outcomes.verified_at <= EXCLUDED.verified_at
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		o.UserID,
		string(o.Network),
		string(o.Outcome),
		o.EventID,
		o.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// Latest retrieves the newest outcome for (userID, network).
func (r *OutcomeRepo) Latest(
	ctx context.Context,
	userID string,
	network domain.Network,
) (*domain.OutcomeRecord, error) {
	query := `
		SELECT user_id, network, outcome, event_id, verified_at
		FROM verification_outcomes
		WHERE user_id = $1 AND network = $2
	`
	var o domain.OutcomeRecord
	if err := r.db.GetContext(ctx, &o, query, userID, string(network)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return &o, nil
}
