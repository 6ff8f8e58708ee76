package seal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	hexKey, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseHexKey(hexKey)
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := testCipher(t)
	ad := []byte("session-1")

	payloads := [][]byte{
		{},
		[]byte(`{"event_type":"tab-switch","details":"Tab switch #1"}`),
		bytes.Repeat([]byte("x"), 64*1024),
	}
	for _, p := range payloads {
		sealed, err := c.Seal(p, ad)
		require.NoError(t, err)
		opened, err := c.Open(sealed, ad)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(opened))
		assert.True(t, bytes.Equal(p, opened))
	}
}

func TestCipher_FreshNonce(t *testing.T) {
	c := testCipher(t)
	a, err := c.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_DetectsSingleByteCorruption(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal([]byte(`{"event_type":"multiple-faces"}`), []byte("s"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := c.Open(tampered, []byte("s"))
		require.ErrorIs(t, err, ErrDecrypt, "byte %d", i)
	}
}

func TestCipher_BindsAssociatedData(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal([]byte("payload"), []byte("session-a"))
	require.NoError(t, err)
	_, err = c.Open(sealed, []byte("session-b"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipher_RejectsTruncated(t *testing.T) {
	c := testCipher(t)
	_, err := c.Open([]byte{version, 1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeys(t *testing.T) {
	_, err := New(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseHexKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseHexKey("not-hex")
	assert.Error(t, err)
}
