//go:build property

package derivation

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vietddude/walletd/internal/core/domain"
)

// TestDeriveDeterminism verifies Derive(u, n, i) == Derive(u, n, i) for any input.
func TestDeriveDeterminism(t *testing.T) {
	engine := newTestEngine(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("derivation is deterministic", prop.ForAll(
		func(userID string, networkIdx int, index uint32) bool {
			if userID == "" {
				return true
			}
			network := domain.SupportedNetworks[networkIdx]
			a, errA := engine.Derive(context.Background(), userID, network, index)
			b, errB := engine.Derive(context.Background(), userID, network, index)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			return a.Address == b.Address && string(a.EncryptedKey) == string(b.EncryptedKey)
		},
		gen.AlphaString(),
		gen.IntRange(0, len(domain.SupportedNetworks)-1),
		gen.UInt32Range(0, 1000),
	))

	properties.TestingRun(t)
}

// TestDistinctUsersDistinctAddresses verifies two different users never share an address.
func TestDistinctUsersDistinctAddresses(t *testing.T) {
	engine := newTestEngine(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("per-user salt separates trees", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" || a == b {
				return true
			}
			ra, err := engine.Derive(context.Background(), a, domain.NetworkEthereum, 0)
			if err != nil {
				return false
			}
			rb, err := engine.Derive(context.Background(), b, domain.NetworkEthereum, 0)
			if err != nil {
				return false
			}
			return ra.Address != rb.Address
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
