package derivation

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyCipherVersion byte = 1
	MinSecretLen          = 32
	kdfInfo               = "walletd-key-material"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// KeyCipher seals private key material before it leaves the derivation engine.
//
// The nonce is an HMAC of the associated data and plaintext, so sealing the
// same key for the same wallet always yields the same ciphertext and a replayed
// derivation produces a byte-identical record.
type KeyCipher struct {
	aead   cipher.AEAD
	macKey []byte
}

// NewKeyCipher derives the encryption and nonce keys from secret with HKDF-SHA256.
func NewKeyCipher(secret []byte) (*KeyCipher, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("key encryption secret must be at least %d bytes", MinSecretLen)
	}

	okm := make([]byte, chacha20poly1305.KeySize+sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(kdfInfo)), okm); err != nil {
		return nil, fmt.Errorf("derive key material: %w", err)
	}

	aead, err := chacha20poly1305.NewX(okm[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	return &KeyCipher{
		aead:   aead,
		macKey: okm[chacha20poly1305.KeySize:],
	}, nil
}

// Seal encrypts plaintext bound to aad. Output layout: version || nonce || ciphertext.
func (c *KeyCipher) Seal(plaintext, aad []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(aad)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, keyCipherVersion)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, aad)
}

// Open decrypts a value produced by Seal with the same aad.
func (c *KeyCipher) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	if sealed[0] != keyCipherVersion {
		return nil, fmt.Errorf("unknown key cipher version %d", sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	return plaintext, nil
}
