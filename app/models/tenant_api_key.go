package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "pfx_"

// HasActiveAPIKey reports whether the tenant can authenticate with a key.
func (t *Tenant) HasActiveAPIKey() bool {
	return t != nil && t.APIKeyHash != ""
}

// IssueAPIKey generates a new API key, replacing any previous one, and
// returns the raw secret. Only the hash is kept on the struct; callers
// persist it and hand the raw key to the store owner once.
func (t *Tenant) IssueAPIKey(now time.Time) (string, error) {
	rawKey, prefix, hash, err := generateAPIKeyMaterial()
	if err != nil {
		return "", err
	}
	t.APIKeyHash = hash
	t.APIKeyPrefix = prefix
	t.APIKeyCreatedAt = &now
	return rawKey, nil
}

// RevokeAPIKey clears the key so every request carrying it is rejected.
func (t *Tenant) RevokeAPIKey() {
	t.APIKeyHash = ""
	t.APIKeyPrefix = ""
	t.APIKeyCreatedAt = nil
}

// HashAPIKey returns the SHA-256 hash for the provided tenant API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func generateAPIKeyMaterial() (string, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 12 {
		return "", "", "", fmt.Errorf("api key generation failed: key too short")
	}
	return rawKey, rawKey[:min(len(rawKey), 16)], HashAPIKey(rawKey), nil
}
