package derivation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/walletd/internal/core/domain"
)

// BIP-44 registered coin types.
const (
	CoinTypeBitcoin  uint32 = 0
	CoinTypeEthereum uint32 = 60
	CoinTypeTron     uint32 = 195
)

// tronAddressVersion is the mainnet prefix byte of Tron base58check addresses.
const tronAddressVersion byte = 0x41

// family describes how one network turns a secp256k1 public key into an address.
type family struct {
	coinType uint32
	encode   func(pub *btcec.PublicKey) (string, error)
	validate func(address string) bool
}

var families = map[domain.Network]family{
	domain.NetworkEthereum: {
		coinType: CoinTypeEthereum,
		encode:   ethereumAddress,
		validate: validEthereumAddress,
	},
	domain.NetworkBitcoin: {
		coinType: CoinTypeBitcoin,
		encode:   bitcoinAddress,
		validate: validBitcoinAddress,
	},
	domain.NetworkTron: {
		coinType: CoinTypeTron,
		encode:   tronAddress,
		validate: validTronAddress,
	},
}

// accountHash is keccak256 over the uncompressed public key without its 0x04 prefix,
// truncated to the last 20 bytes. Ethereum and Tron share it.
func accountHash(pub *btcec.PublicKey) []byte {
	return crypto.Keccak256(pub.SerializeUncompressed()[1:])[12:]
}

func ethereumAddress(pub *btcec.PublicKey) (string, error) {
	// Hex applies the EIP-55 mixed-case checksum.
	return common.BytesToAddress(accountHash(pub)).Hex(), nil
}

func validEthereumAddress(address string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	return common.HexToAddress(address).Hex() == address
}

func bitcoinAddress(pub *btcec.PublicKey) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.MainNetParams,
	)
	if err != nil {
		return "", fmt.Errorf("p2pkh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func validBitcoinAddress(address string) bool {
	if len(address) < 26 || len(address) > 35 {
		return false
	}
	_, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	return err == nil
}

func tronAddress(pub *btcec.PublicKey) (string, error) {
	return base58.CheckEncode(accountHash(pub), tronAddressVersion), nil
}

func validTronAddress(address string) bool {
	if len(address) != 34 || address[0] != 'T' {
		return false
	}
	payload, version, err := base58.CheckDecode(address)
	return err == nil && version == tronAddressVersion && len(payload) == 20
}
