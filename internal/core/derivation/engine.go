// Package derivation turns the master seed, a user id and a network into a
// deterministic HD wallet address plus sealed private key material.
package derivation

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vietddude/walletd/internal/core/domain"
)

const (
	purposeBIP44 uint32 = 44
	account      uint32 = 0
	externalRole uint32 = 0
)

var tracer = otel.Tracer("github.com/vietddude/walletd/internal/core/derivation")

// Result is the output of a single derivation.
type Result struct {
	Address      string
	EncryptedKey []byte
	Path         string
	Index        uint32
}

// Engine derives wallets. It performs no I/O and holds no mutable state, so a
// single instance is shared by every consumer goroutine.
type Engine struct {
	seed   *MasterSeed
	cipher *KeyCipher
}

// NewEngine creates an engine bound to the given seed and key cipher.
func NewEngine(seed *MasterSeed, cipher *KeyCipher) *Engine {
	return &Engine{seed: seed, cipher: cipher}
}

// Supports reports whether network has a derivation scheme.
func (e *Engine) Supports(network domain.Network) bool {
	_, ok := families[network]
	return ok
}

// Path returns the BIP-44 path m/44'/coin'/0'/0/index for network.
func Path(network domain.Network, index uint32) (string, error) {
	fam, ok := families[network]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, network)
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purposeBIP44, fam.coinType, account, externalRole, index), nil
}

// Derive computes the wallet for (userID, network, index). The path is built
// from fixed constants and the numeric index only; no caller-supplied path
// string is ever parsed.
func (e *Engine) Derive(
	ctx context.Context,
	userID string,
	network domain.Network,
	index uint32,
) (*Result, error) {
	_, span := tracer.Start(ctx, "derivation.Derive")
	defer span.End()
	span.SetAttributes(
		attribute.String("network", string(network)),
		attribute.Int64("index", int64(index)),
	)

	res, err := e.derive(userID, network, index)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (e *Engine) derive(userID string, network domain.Network, index uint32) (*Result, error) {
	fam, ok := families[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, network)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrDerivationFailed)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d out of range", domain.ErrDerivationFailed, index)
	}

	seed := e.seed.userSeed(userID)
	defer wipe(seed)

	key, err := deriveChild(seed, fam.coinType, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivationFailed, err)
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", domain.ErrDerivationFailed, err)
	}
	defer priv.Zero()

	address, err := fam.encode(priv.PubKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivationFailed, err)
	}
	if !fam.validate(address) {
		return nil, fmt.Errorf("%w: generated invalid %s address", domain.ErrDerivationFailed, network)
	}

	raw := priv.Serialize()
	sealed := e.cipher.Seal(raw, AssociatedData(userID, network, index))
	wipe(raw)

	path, _ := Path(network, index)
	return &Result{
		Address:      address,
		EncryptedKey: sealed,
		Path:         path,
		Index:        index,
	}, nil
}

// deriveChild walks m/44'/coin'/0'/0/index from seed.
func deriveChild(seed []byte, coinType, index uint32) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	steps := []uint32{
		hdkeychain.HardenedKeyStart + purposeBIP44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account,
		externalRole,
		index,
	}

	key := master
	for _, step := range steps {
		child, err := key.Derive(step)
		if key != master {
			key.Zero()
		}
		if err != nil {
			master.Zero()
			return nil, fmt.Errorf("derive child %d: %w", step, err)
		}
		key = child
	}
	master.Zero()
	return key, nil
}

// AssociatedData binds sealed key material to the wallet it belongs to.
func AssociatedData(userID string, network domain.Network, index uint32) []byte {
	return fmt.Appendf(nil, "%s|%s|%d", userID, network, index)
}

// OpenKey decrypts key material sealed for the given wallet. Intended for
// operator recovery tooling; the provisioning path never calls it.
func (e *Engine) OpenKey(rec *domain.WalletRecord) ([]byte, error) {
	return e.cipher.Open(rec.EncryptedKey, AssociatedData(rec.UserID, rec.Network, rec.DerivationIndex))
}
