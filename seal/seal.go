// Package seal implements the at-rest format for provider tokens and TOTP
// secrets: "v1:" + base64(nonce || AES-256-GCM ciphertext), keyed by a value
// derived from a configured secret. Values without the "v1:" prefix are
// treated as legacy plaintext so both forms read back, but a "v1:" value is
// rejected when no key is configured.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const v1Prefix = "v1:"

var (
	// ErrKeyMissing is returned when a sealed value is opened without a key.
	ErrKeyMissing = errors.New("seal: key missing")
	// ErrDecrypt is returned when a sealed value fails authentication or
	// decoding.
	ErrDecrypt = errors.New("seal: decryption failed")
)

// Sealer seals and opens short secret strings. A nil *Sealer is valid and
// means "no key configured": Seal passes plaintext through and Open rejects
// sealed input.
type Sealer struct {
	aead cipher.AEAD
}

// New derives an AES-256-GCM key from secret via SHA-256. An empty secret
// returns a nil Sealer, which callers treat as development plaintext mode.
func New(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Enabled reports whether a key is configured.
func (s *Sealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Seal encrypts plain into the "v1:" format. Without a key it returns plain
// unchanged.
func (s *Sealer) Seal(plain string) (string, error) {
	if !s.Enabled() {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return v1Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored value. Non-prefixed input is returned as-is for
// backward compatibility with plaintext rows; prefixed input requires a key.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, v1Prefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", ErrKeyMissing
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, v1Prefix))
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Sealed reports whether stored is in the "v1:" format.
func Sealed(stored string) bool {
	return strings.HasPrefix(stored, v1Prefix)
}
