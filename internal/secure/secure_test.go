package secure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)

	assert.Len(t, a, SecretLen)
	assert.False(t, bytes.Equal(a, b))
}

func TestDeriveKey(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, SecretLen)

	k1, err := DeriveKey(secret, "session-1")
	require.NoError(t, err)
	again, err := DeriveKey(secret, "session-1")
	require.NoError(t, err)
	k2, err := DeriveKey(secret, "session-2")
	require.NoError(t, err)

	assert.Len(t, k1, SecretLen)
	assert.Equal(t, k1, again, "derivation is deterministic")
	assert.NotEqual(t, k1, k2, "session id separates keys")

	_, err = DeriveKey(secret[:8], "session-1")
	assert.ErrorIs(t, err, ErrShortSecret)
}

func TestSigner(t *testing.T) {
	key, err := NewSecret()
	require.NoError(t, err)
	s, err := NewSigner(key)
	require.NoError(t, err)

	nonce := []byte("nonce-1")
	data := []byte("hello")
	tag := s.Sign(nonce, data)

	assert.Len(t, tag, 32)
	assert.True(t, s.Verify(nonce, data, tag))
	assert.False(t, s.Verify([]byte("nonce-2"), data, tag))
	assert.False(t, s.Verify(nonce, []byte("hellO"), tag))
	assert.False(t, s.Verify(nonce, data, tag[:31]))
	assert.Len(t, s.SignHex(nonce, data), 64)

	other, err := NewSigner(bytes.Repeat([]byte{1}, SecretLen))
	require.NoError(t, err)
	assert.False(t, other.Verify(nonce, data, tag))
}

func TestNewSigner_CopiesKey(t *testing.T) {
	key := bytes.Repeat([]byte{3}, SecretLen)
	s, err := NewSigner(key)
	require.NoError(t, err)
	tag := s.Sign(nil, []byte("x"))

	key[0] = 9
	assert.True(t, s.Verify(nil, []byte("x"), tag))

	_, err = NewSigner(key[:4])
	assert.ErrorIs(t, err, ErrShortSecret)
}
