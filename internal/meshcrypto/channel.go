package meshcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// PublicChannelName is the well-known channel every node can read.
const PublicChannelName = "Public"

// publicChannelSecret is the fixed key of the well-known Public channel
const publicChannelSecret = "8b3387e9c5cdea6ac9e5edbaa115cd72"

// PublicKeyLen is the length of derived public channel keys
const PublicKeyLen = 16

var (
	// ErrInvalidKey is returned when channel key material fails the length or format check
	ErrInvalidKey = errors.New("invalid channel key")
	// ErrDecrypt is returned when a ciphertext does not open under the given key
	ErrDecrypt = errors.New("decryption failed")
)

var groupInfo = []byte("meshcore/group/v1")

// DerivePublicKey returns the key material of the public channel called name.
//
// The well-known "Public" channel uses a fixed secret. Every other name uses
// the first 16 bytes of sha256(name). The derivation is pure: two nodes that
// join the same name agree on the key without coordinating.
func DerivePublicKey(name string) []byte {
	if name == PublicChannelName {
		key, _ := hex.DecodeString(publicChannelSecret)
		return key
	}
	sum := sha256.Sum256([]byte(name))
	return append([]byte(nil), sum[:PublicKeyLen]...)
}

// ValidateChannelKey checks private channel key material.
// Keys must be 16 or 32 raw bytes.
func ValidateChannelKey(key []byte) error {
	switch len(key) {
	case 16, 32:
		return nil
	default:
		return fmt.Errorf("%w: expected 16 or 32 bytes, got %d", ErrInvalidKey, len(key))
	}
}

// ParseChannelKey decodes a hex encoded private channel key
func ParseChannelKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	if err := ValidateChannelKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyHash returns the one-byte hash carried in the clear on group frames
func KeyHash(key []byte) byte {
	sum := sha256.Sum256(key)
	return sum[0]
}

func groupAEADKey(key []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, groupInfo), out); err != nil {
		return nil, fmt.Errorf("failed to derive group key: %w", err)
	}
	return out, nil
}

// SealGroup encrypts plaintext under a channel key.
// The key hash is bound as associated data.
func SealGroup(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aeadKey, err := groupAEADKey(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, []byte{KeyHash(key)})
	return nonce, ciphertext, nil
}

// OpenGroup decrypts a group ciphertext. It returns ErrDecrypt for a wrong key.
func OpenGroup(key, nonce, ciphertext []byte) ([]byte, error) {
	aeadKey, err := groupAEADKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{KeyHash(key)})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
