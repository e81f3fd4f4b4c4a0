package authbroker

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceFormat(t *testing.T) {
	key, err := newSecretKey()
	require.NoError(t, err)

	hex64 := regexp.MustCompile(`^[0-9a-f]{64}$`)
	nonce := key.Nonce()
	assert.True(t, hex64.MatchString(nonce), "nonce %v is not 64 lowercase hex chars", nonce)
}

func TestNonceUniqueness(t *testing.T) {
	key, err := newSecretKey()
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 10000; i++ {
		nonce := key.Nonce()
		assert.False(t, seen[nonce], "nonce collision at iteration %v", i)
		seen[nonce] = true
	}
}

func TestNonceKeysIndependent(t *testing.T) {
	key1, err := newSecretKey()
	require.NoError(t, err)
	key2, err := newSecretKey()
	require.NoError(t, err)

	// Same counter value, different keys
	assert.NotEqual(t, key1.Nonce(), key2.Nonce())
}

func TestSecretKeyZero(t *testing.T) {
	key, err := newSecretKey()
	require.NoError(t, err)

	raw := key.key
	key.Zero()
	assert.Nil(t, key.key)
	for i, b := range raw {
		require.Zero(t, b, "key byte %v not wiped", i)
	}
}
