package meshcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// SeedSize is the size of a node's private seed
const SeedSize = curve25519.ScalarSize

// PublicKeyFromSeed returns the X25519 public key for a private seed
func PublicKeyFromSeed(seed []byte) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return curve25519.X25519(seed, curve25519.Basepoint)
}

func toArray(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}

// SealDirect encrypts plaintext from the owner of seed to the holder of peerPub.
func SealDirect(seed, peerPub, plaintext []byte) (nonce, ciphertext []byte, err error) {
	priv, err := toArray(seed)
	if err != nil {
		return nil, nil, err
	}
	pub, err := toArray(peerPub)
	if err != nil {
		return nil, nil, err
	}

	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n[:], box.Seal(nil, plaintext, &n, pub, priv), nil
}

// OpenDirect decrypts a direct message sent by senderPub to the owner of seed.
func OpenDirect(seed, senderPub, nonce, ciphertext []byte) ([]byte, error) {
	priv, err := toArray(seed)
	if err != nil {
		return nil, err
	}
	pub, err := toArray(senderPub)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(nonce) != 24 {
		return nil, ErrDecrypt
	}

	var n [24]byte
	copy(n[:], nonce)
	plaintext, ok := box.Open(nil, ciphertext, &n, pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
