package utils

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt is returned for malformed, truncated or tampered ciphertext.
var ErrDecrypt = errors.New("secretbox: cannot open ciphertext")

// SecretBox seals short secrets (access tokens) for storage at rest.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox derives a 32-byte key from the configured secret with BLAKE2b-256.
func NewSecretBox(secret string) (*SecretBox, error) {
	if secret == "" {
		return nil, errors.New("secretbox: empty secret")
	}
	return &SecretBox{key: blake2b.Sum256([]byte("tiersync|" + secret))}, nil
}

// Encrypt returns base64(nonce || box).
func (s *SecretBox) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure is ErrDecrypt.
func (s *SecretBox) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrDecrypt
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(ciphertext)
	if err != nil || len(raw) <= nonceSize {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
