package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := NewCipher(make([]byte, 32))
	require.NoError(t, err)

	enc, err := c.Encrypt("cw-p-deadbeef")
	require.NoError(t, err)
	require.NotEqual(t, "cw-p-deadbeef", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "cw-p-deadbeef", dec)
}

func TestKeySizeEnforced(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c1, err := NewCipher(make([]byte, 32))
	require.NoError(t, err)
	key2 := make([]byte, 32)
	key2[0] = 1
	c2, err := NewCipher(key2)
	require.NoError(t, err)

	enc, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(enc)
	assert.Error(t, err)
}

func TestEmptyValuePassesThrough(t *testing.T) {
	c, err := NewCipher(make([]byte, 32))
	require.NoError(t, err)

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}
