package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/walletd/internal/core/domain"
)

const decisionColumns = `id, event_id, user_id, network, outcome, decided_at,
		publish_status, publish_attempts, last_error, updated_at`

// DecisionRepo implements storage.DecisionRepository using PostgreSQL.
type DecisionRepo struct {
	db *DB
}

// NewDecisionRepo creates a new PostgreSQL decision repository.
func NewDecisionRepo(db *DB) *DecisionRepo {
	return &DecisionRepo{db: db}
}

// Save inserts a decision.
func (r *DecisionRepo) Save(ctx context.Context, d *domain.VerificationDecision) error {
	query := `
		INSERT INTO verification_decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		d.ID,
		d.EventID,
		d.UserID,
		string(d.Network),
		string(d.Outcome),
		d.DecidedAt,
		string(d.PublishStatus),
		d.PublishAttempts,
		d.LastError,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: decision %s", domain.ErrDuplicateKey, d.ID)
		}
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetLatest retrieves the most recent decision for (userID, network).
func (r *DecisionRepo) GetLatest(
	ctx context.Context,
	userID string,
	network domain.Network,
) (*domain.VerificationDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM verification_decisions
		WHERE user_id = $1 AND network = $2
		ORDER BY decided_at DESC
		LIMIT 1
	`
	var d domain.VerificationDecision
	if err := r.db.GetContext(ctx, &d, query, userID, string(network)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return &d, nil
}

// UpdatePublishStatus records the result of a publish attempt.
func (r *DecisionRepo) UpdatePublishStatus(
	ctx context.Context,
	id string,
	status domain.PublishStatus,
	attempts int,
	lastError string,
) error {
	query := `
		UPDATE verification_decisions
		SET publish_status = $2, publish_attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, string(status), attempts, lastError)
	if err != nil {
		return fmt.Errorf("failed to update decision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListByStatus returns up to limit decisions in status, oldest first.
func (r *DecisionRepo) ListByStatus(
	ctx context.Context,
	status domain.PublishStatus,
	limit int,
) ([]*domain.VerificationDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + decisionColumns + `
		FROM verification_decisions
		WHERE publish_status = $1
		ORDER BY decided_at ASC
		LIMIT $2
	`
	var out []*domain.VerificationDecision
	if err := r.db.SelectContext(ctx, &out, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return out, nil
}

// CountByStatus returns how many decisions are in status.
func (r *DecisionRepo) CountByStatus(ctx context.Context, status domain.PublishStatus) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM verification_decisions WHERE publish_status = $1`
	if err := r.db.GetContext(ctx, &n, query, string(status)); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}
