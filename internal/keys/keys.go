// Package keys derives per-badge secrets and generates session material.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const badgeKeyLen = 32

// BadgeKey derives a per-badge encryption key from the master secret using
// HKDF-SHA256. The random salt makes re-issuing a key for the same UID
// produce fresh material; the UID binds the key to the badge.
func BadgeKey(masterKey, badgeUID string) (string, error) {
	if masterKey == "" {
		return "", fmt.Errorf("master key is empty")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), salt, []byte("badge:"+badgeUID))
	key := make([]byte, badgeKeyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return "", fmt.Errorf("failed to derive badge key: %w", err)
	}

	return hex.EncodeToString(key), nil
}

// SessionSecret returns a fresh 32-byte high-entropy session secret, hex
// encoded.
func SessionSecret() (string, error) {
	return randomHex(32)
}

// Nonce returns a 16-byte random nonce, hex encoded.
func Nonce() (string, error) {
	return randomHex(16)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
