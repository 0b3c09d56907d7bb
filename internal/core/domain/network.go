package domain

import (
	"fmt"
	"strings"
)

// Network identifies a blockchain family a wallet can be provisioned on.
type Network string

const (
	NetworkEthereum Network = "ethereum"
	NetworkBitcoin  Network = "bitcoin"
	NetworkTron     Network = "tron"
)

// SupportedNetworks lists every network the provisioning pipeline can derive wallets for.
var SupportedNetworks = []Network{
	NetworkEthereum,
	NetworkBitcoin,
	NetworkTron,
}

// ParseNetwork normalizes s and maps it to a supported Network.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, s)
	}
	return n, nil
}

// Valid reports whether n is one of SupportedNetworks.
func (n Network) Valid() bool {
	for _, s := range SupportedNetworks {
		if n == s {
			return true
		}
	}
	return false
}

func (n Network) String() string { return string(n) }
