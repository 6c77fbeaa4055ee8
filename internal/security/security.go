// Package security signs envelopes with a shared secret and derives the
// tokens stream transports use to authenticate a connection.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"unicode/utf8"
)

// KeySize is the number of random bytes behind a generated shared secret.
const KeySize = 32

// DigestSize is the length of every signature produced by an Authenticator.
const DigestSize = sha256.Size

var ErrInvalidKey = errors.New("shared secret is not valid UTF-8")

// Authenticator is a keyed-hash signing context derived from a shared secret.
// It is safe for concurrent use; every Sign call works on a fresh MAC state.
type Authenticator struct {
	key []byte
}

// NewAuthenticator derives an HMAC-SHA256 authenticator from secret.
// An empty secret is allowed and is the default when peers configure no key.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if !utf8.ValidString(secret) {
		return nil, ErrInvalidKey
	}
	return &Authenticator{key: []byte(secret)}, nil
}

// Key returns a copy of the secret, for binding transport handshakes to it.
func (a *Authenticator) Key() []byte {
	return append([]byte(nil), a.key...)
}

func (a *Authenticator) mac() hash.Hash {
	return hmac.New(sha256.New, a.key)
}

// Sign feeds parts, in order, into a new MAC and returns the digest.
// Callers must always pass the parts in the same order on both sides.
func (a *Authenticator) Sign(parts ...[]byte) []byte {
	m := a.mac()
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// Verify reports whether sig is the digest of parts under this authenticator.
func (a *Authenticator) Verify(sig []byte, parts ...[]byte) bool {
	if len(sig) != DigestSize {
		return false
	}
	return hmac.Equal(sig, a.Sign(parts...))
}

// GenerateKey returns a hex-encoded random shared secret.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// ComputeAuthToken computes HMAC-SHA256(key, exporterMaterial).
// The exporterMaterial should come from TLS.ExportKeyingMaterial
// to bind the auth token to the specific TLS session.
func ComputeAuthToken(key, exporterMaterial []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(exporterMaterial)
	var token [32]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks that the provided token matches the expected
// HMAC-SHA256(key, exporterMaterial).
func VerifyAuthToken(key, exporterMaterial []byte, token [32]byte) bool {
	expected := ComputeAuthToken(key, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}
