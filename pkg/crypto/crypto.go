package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the session key size in bytes (AES-256).
const KeySize = 32

// ErrCipher indicates an authentication failure on decrypt. Messages that
// fail authentication are rejected, never stored.
var ErrCipher = errors.New("ciphertext authentication failed")

// SessionCipher encrypts and decrypts message bodies with a per-session
// AES-GCM-256 key. The IV is generated per message and stored beside the
// ciphertext, never reused.
type SessionCipher struct {
	aead cipher.AEAD
}

// NewSessionCipher creates a cipher from raw key material.
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SessionCipher{aead: aead}, nil
}

// GenerateKey generates fresh session key material.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext and returns the ciphertext and the IV used.
func (c *SessionCipher) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return c.aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext with the IV stored beside it. Returns ErrCipher
// on MAC mismatch.
func (c *SessionCipher) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != c.aead.NonceSize() {
		return nil, ErrCipher
	}

	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrCipher
	}

	return plaintext, nil
}

// EncodeKey renders key material for storage.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey parses stored key material.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed key material: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
