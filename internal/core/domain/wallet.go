package domain

import (
	"time"
)

// WalletKey is the identity of a wallet: at most one wallet per user per network.
type WalletKey struct {
	UserID  string
	Network Network
}

func (k WalletKey) String() string {
	return k.UserID + ":" + string(k.Network)
}

// WalletRecord is a provisioned wallet. Records are append-only.
type WalletRecord struct {
	UserID          string    `json:"user_id"          db:"user_id"`
	Network         Network   `json:"network"          db:"network"`
	Address         string    `json:"address"          db:"address"`
	EncryptedKey    []byte    `json:"encrypted_key"    db:"encrypted_key"`
	DerivationIndex uint32    `json:"derivation_index" db:"derivation_index"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"`
}

// Key returns the (user_id, network) identity of the record.
func (w *WalletRecord) Key() WalletKey {
	return WalletKey{UserID: w.UserID, Network: w.Network}
}

// SameDerivation reports whether two records were produced by the same derivation.
func (w *WalletRecord) SameDerivation(other *WalletRecord) bool {
	return w.Address == other.Address && w.DerivationIndex == other.DerivationIndex
}

// CacheEntry is a cached copy of a WalletRecord. It is never authoritative.
type CacheEntry struct {
	Key        WalletKey     `json:"-"`
	Record     *WalletRecord `json:"record"`
	InsertedAt time.Time     `json:"inserted_at"`
}
