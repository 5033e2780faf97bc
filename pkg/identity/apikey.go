package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API keys are a long-lived alternative to bearer tokens, presented as
// "X-API-Key: <agent_id>.<secret>". Only the bcrypt hash is stored; the
// plaintext is shown once at issuance.

const apiKeyPrefix = "relay_sk_"

// NewAPIKey returns a fresh secret of the form relay_sk_<32 hex>.
func NewAPIKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// HashAPIKey derives the storable hash of a secret.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("identity: hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckAPIKey compares a presented secret against a stored hash in constant
// time.
func CheckAPIKey(hash, key string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// SplitAPIKeyHeader parses the X-API-Key value. Agent ids contain no dots,
// so the first dot separates id from secret.
func SplitAPIKeyHeader(v string) (agentID, secret string, err error) {
	agentID, secret, ok := strings.Cut(v, ".")
	if !ok || agentID == "" || !strings.HasPrefix(secret, apiKeyPrefix) {
		return "", "", fmt.Errorf("identity: malformed api key header")
	}
	return agentID, secret, nil
}
