// Package secure holds the session secret and the HMAC primitive devices use
// to authenticate each other.
//
// Nothing in the metadata or blob protocol calls Verify yet; the secret is
// distributed in the join code so a handshake can be layered on later.
package secure

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SecretLen is the size of a session secret in bytes.
const SecretLen = 32

// ErrShortSecret is returned when a secret is shorter than SecretLen.
var ErrShortSecret = errors.New("secret too short")

// NewSecret returns SecretLen random bytes.
func NewSecret() ([]byte, error) {
	b := make([]byte, SecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

// DeriveKey derives a per-session key from secret with HKDF-SHA256. The
// session id is the HKDF info, so one secret yields a different key per
// session.
func DeriveKey(secret []byte, sessionID string) ([]byte, error) {
	if len(secret) < SecretLen {
		return nil, ErrShortSecret
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("lansync session "+sessionID))
	key := make([]byte, SecretLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Signer computes and checks HMAC-SHA256 tags.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer over key. The key is copied.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < SecretLen {
		return nil, ErrShortSecret
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign returns HMAC-SHA256(key, nonce || data).
func (s *Signer) Sign(nonce, data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(nonce)
	m.Write(data)
	return m.Sum(nil)
}

// SignHex is Sign rendered as lowercase hex.
func (s *Signer) SignHex(nonce, data []byte) string {
	return hex.EncodeToString(s.Sign(nonce, data))
}

// Verify reports whether tag is the signature of nonce || data. The
// comparison is constant-time.
func (s *Signer) Verify(nonce, data, tag []byte) bool {
	return hmac.Equal(s.Sign(nonce, data), tag)
}
