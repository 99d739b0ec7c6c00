package meshcrypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenDirect_RoundTrip(t *testing.T) {
	alice := bytes.Repeat([]byte{1}, SeedSize)
	bob := bytes.Repeat([]byte{2}, SeedSize)

	alicePub, err := PublicKeyFromSeed(alice)
	require.NoError(t, err)
	bobPub, err := PublicKeyFromSeed(bob)
	require.NoError(t, err)
	require.Len(t, alicePub, 32)

	nonce, ct, err := SealDirect(alice, bobPub, []byte("hi bob"))
	require.NoError(t, err)

	plain, err := OpenDirect(bob, alicePub, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(plain))
}

func TestOpenDirect_WrongRecipient(t *testing.T) {
	alice := bytes.Repeat([]byte{1}, SeedSize)
	bob := bytes.Repeat([]byte{2}, SeedSize)
	eve := bytes.Repeat([]byte{3}, SeedSize)

	alicePub, _ := PublicKeyFromSeed(alice)
	bobPub, _ := PublicKeyFromSeed(bob)

	nonce, ct, err := SealDirect(alice, bobPub, []byte("hi bob"))
	require.NoError(t, err)

	_, err = OpenDirect(eve, alicePub, nonce, ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPublicKeyFromSeed_BadLength(t *testing.T) {
	_, err := PublicKeyFromSeed([]byte{1, 2, 3})
	assert.Error(t, err)
}
