// Package symmetric encrypts single configuration values with AES-256-GCM.
// Encrypted values look like ENC[base64url(nonce||ciphertext)].
package symmetric

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
)

const (
	encryptionPrefix = "ENC["
	encryptionSuffix = "]"
)

type encryption struct {
	gcm cipher.AEAD
}

// NewEncryption creates an encryptor from the first 32 bytes of key
func NewEncryption(key []byte) (interfaces.SymmetricEncryptor, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 bytes")
	}
	key = key[:32]
	if !validateKeyEntropy(key) {
		return nil, fmt.Errorf("key has insufficient entropy")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &encryption{gcm: gcm}, nil
}

// validateKeyEntropy rejects keys with fewer than 16 distinct bytes
func validateKeyEntropy(key []byte) bool {
	seen := make(map[byte]struct{}, len(key))
	for _, b := range key {
		seen[b] = struct{}{}
	}
	return len(seen) >= 16
}

// IsEncrypted reports whether s carries the ENC[...] envelope
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encryptionPrefix) && strings.HasSuffix(s, encryptionSuffix)
}

// Encrypt seals plaintext. Already encrypted values are returned as is.
func (e *encryption) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptionPrefix + base64.URLEncoding.EncodeToString(sealed) + encryptionSuffix, nil
}

// Decrypt opens an ENC[...] value. Plain values are returned as is.
func (e *encryption) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	body := strings.TrimSuffix(strings.TrimPrefix(ciphertext, encryptionPrefix), encryptionSuffix)
	decoded, err := base64.URLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := e.gcm.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.gcm.Open(nil, decoded[:nonceSize], decoded[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
