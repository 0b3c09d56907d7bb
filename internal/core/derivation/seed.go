package derivation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// userPassphrasePrefix salts the BIP-39 seed per user, so every user has an
// independent HD tree below the same mnemonic.
const userPassphrasePrefix = "wallet-service:"

var errEmptyMnemonic = errors.New("mnemonic is empty")

// MasterSeed holds the process-wide mnemonic. It is created once at startup
// and never mutated; it redacts itself from fmt and slog output.
type MasterSeed struct {
	mnemonic string
}

// NewMasterSeed validates mnemonic as a BIP-39 phrase.
func NewMasterSeed(mnemonic string) (*MasterSeed, error) {
	normalized := strings.Join(strings.Fields(mnemonic), " ")
	if normalized == "" {
		return nil, errEmptyMnemonic
	}
	switch n := len(strings.Fields(normalized)); n {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf("invalid mnemonic length: %d words", n)
	}
	if !bip39.IsMnemonicValid(normalized) {
		return nil, errors.New("invalid mnemonic checksum or wordlist")
	}
	return &MasterSeed{mnemonic: normalized}, nil
}

// userSeed returns the 64-byte BIP-39 seed for userID. The caller must wipe it.
func (s *MasterSeed) userSeed(userID string) []byte {
	return bip39.NewSeed(s.mnemonic, userPassphrasePrefix+userID)
}

func (s *MasterSeed) String() string { return "MasterSeed(redacted)" }

// LogValue keeps the mnemonic out of structured logs.
func (s *MasterSeed) LogValue() slog.Value { return slog.StringValue("redacted") }

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
