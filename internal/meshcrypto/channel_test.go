package meshcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePublicKey_WellKnownPublic(t *testing.T) {
	key := DerivePublicKey("Public")
	assert.Equal(t, "8b3387e9c5cdea6ac9e5edbaa115cd72", hex.EncodeToString(key))
}

func TestDerivePublicKey_Deterministic(t *testing.T) {
	a := DerivePublicKey("General")
	b := DerivePublicKey("General")
	require.Len(t, a, PublicKeyLen)
	assert.Equal(t, a, b)

	sum := sha256.Sum256([]byte("General"))
	assert.Equal(t, sum[:16], a)

	assert.NotEqual(t, a, DerivePublicKey("general"), "derivation must be case sensitive")
}

func TestParseChannelKey(t *testing.T) {
	t.Run("valid_16", func(t *testing.T) {
		key, err := ParseChannelKey("00112233445566778899aabbccddeeff")
		require.NoError(t, err)
		assert.Len(t, key, 16)
	})

	t.Run("valid_32", func(t *testing.T) {
		key, err := ParseChannelKey(" " + hex.EncodeToString(bytes.Repeat([]byte{7}, 32)) + "\n")
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("not_hex", func(t *testing.T) {
		_, err := ParseChannelKey("not-a-key")
		assert.True(t, errors.Is(err, ErrInvalidKey))
	})

	t.Run("wrong_length", func(t *testing.T) {
		_, err := ParseChannelKey("0011")
		assert.True(t, errors.Is(err, ErrInvalidKey))
	})
}

func TestSealOpenGroup_RoundTrip(t *testing.T) {
	// Two nodes derive the key independently
	keyA := DerivePublicKey("General")
	keyB := DerivePublicKey("General")

	nonce, ct, err := SealGroup(keyA, []byte("hello mesh"))
	require.NoError(t, err)

	plain, err := OpenGroup(keyB, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello mesh", string(plain))
}

func TestOpenGroup_WrongKey(t *testing.T) {
	nonce, ct, err := SealGroup(DerivePublicKey("General"), []byte("secret"))
	require.NoError(t, err)

	_, err = OpenGroup(DerivePublicKey("Other"), nonce, ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = OpenGroup(DerivePublicKey("General"), nonce[:3], ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyHash_Stable(t *testing.T) {
	key := DerivePublicKey("General")
	assert.Equal(t, KeyHash(key), KeyHash(DerivePublicKey("General")))
}
