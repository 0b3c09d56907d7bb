package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/walletd/internal/core/domain"
)

// WalletRepo implements storage.WalletRepository using PostgreSQL.
type WalletRepo struct {
	db *DB
}

// NewWalletRepo creates a new PostgreSQL wallet repository.
func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

// Put inserts a wallet. Rows are never updated.
func (r *WalletRepo) Put(ctx context.Context, w *domain.WalletRecord) error {
	query := `
		INSERT INTO wallets (user_id, network, address, encrypted_key, derivation_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		w.UserID,
		string(w.Network),
		w.Address,
		w.EncryptedKey,
		int64(w.DerivationIndex),
		w.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: wallet %s", domain.ErrDuplicateKey, w.Key())
		}
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// Get retrieves the wallet for (userID, network).
func (r *WalletRepo) Get(
	ctx context.Context,
	userID string,
	network domain.Network,
) (*domain.WalletRecord, error) {
	query := `
		SELECT user_id, network, address, encrypted_key, derivation_index, created_at
		FROM wallets
		WHERE user_id = $1 AND network = $2
	`
	var w domain.WalletRecord
	if err := r.db.GetContext(ctx, &w, query, userID, string(network)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}
