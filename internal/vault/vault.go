// Package vault wraps secret values and API tokens with authenticated
// encryption at rest. Secret values never leave this package in plaintext
// except through Decrypt, which only the build run loop calls.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const keySize = 32 // AES-256

// ErrInvalidCiphertext is returned when a stored value cannot be
// authenticated, typically after a key rotation without re-encryption.
var ErrInvalidCiphertext = errors.New("vault: ciphertext authentication failed")

// Vault encrypts and decrypts secret values with AES-256-GCM.
type Vault struct {
	aead     cipher.AEAD
	tokenKey []byte
}

// New creates a vault from a base64-encoded 32-byte key. tokenKey signs API
// token hashes; it may equal the encryption key material but should not.
func New(encodedKey, tokenKey string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", keySize, len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	if tokenKey == "" {
		tokenKey = encodedKey
	}
	return &Vault{aead: aead, tokenKey: []byte(tokenKey)}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key, for `ando init`.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Encrypt seals plaintext. The nonce is prepended to the returned ciphertext.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// tokenPrefixLen is the number of leading token characters stored in clear for
// indexed lookup.
const tokenPrefixLen = 8

// NewToken generates an opaque API token and returns the token itself (shown
// to the user once), its lookup prefix, and its HMAC hash for storage.
func (v *Vault) NewToken() (token, prefix string, hash []byte, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", nil, fmt.Errorf("generate token: %w", err)
	}
	token = "ando_" + hex.EncodeToString(raw)
	return token, token[:tokenPrefixLen], v.HashToken(token), nil
}

// HashToken computes the HMAC-SHA256 of a full token with the process key.
func (v *Vault) HashToken(token string) []byte {
	mac := hmac.New(sha256.New, v.tokenKey)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

// TokenPrefix returns the indexed lookup substring of a full token.
func TokenPrefix(token string) string {
	if len(token) < tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}

// VerifyToken compares a presented token against a stored hash in constant time.
func (v *Vault) VerifyToken(token string, storedHash []byte) bool {
	return hmac.Equal(v.HashToken(token), storedHash)
}
