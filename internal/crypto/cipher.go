// Package crypto provides AES-256-GCM encryption and decryption for OAuth
// tokens at rest. Each encryption uses a random nonce, so encrypting the same
// token twice produces different ciphertexts.
//
// Decryption failures are surfaced as decryption-class errors: a credential
// record that cannot be decrypted cannot be silently retried, the owning
// account has to be re-authorized.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"tokenkeeper/internal/common/errors"
)

// TokenCipher handles encryption and decryption of stored tokens using
// AES-256-GCM. It is safe for concurrent use by multiple goroutines.
type TokenCipher struct {
	key []byte // 32-byte AES-256 key derived via PBKDF2
}

// NewTokenCipher creates a TokenCipher from the configured key material.
// The key is run through PBKDF2 so any non-empty passphrase yields a proper
// 32-byte AES-256 key.
func NewTokenCipher(key string) (*TokenCipher, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	salt := []byte("tokenkeeper-token-cipher")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &TokenCipher{key: derivedKey}, nil
}

// Encrypt encrypts a plaintext token and returns a base64-encoded blob
// (nonce prepended to ciphertext). Empty input passes through unchanged.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a blob produced by Encrypt. Tampered, truncated, or
// wrong-key input returns a decryption-class error. Empty input passes
// through unchanged.
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.DecryptionError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.DecryptionError("ciphertext too short", nil)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.DecryptionError("failed to decrypt", err)
	}

	return string(plaintext), nil
}
