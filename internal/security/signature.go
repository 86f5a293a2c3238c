package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// GenerateAPIKey generates a random API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return "jqgo_" + hex.EncodeToString(bytes), nil
}

// HashAPIKey hashes an API key for storage
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// KeySet matches API keys against their stored hashes.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet hashes keys. An empty set accepts nothing.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k != "" {
			ks.hashes = append(ks.hashes, []byte(HashAPIKey(k)))
		}
	}
	return ks
}

// Len returns the number of keys.
func (ks *KeySet) Len() int {
	return len(ks.hashes)
}

// Contains reports whether key is in the set, in constant time per entry.
func (ks *KeySet) Contains(key string) bool {
	h := []byte(HashAPIKey(key))
	found := 0
	for _, want := range ks.hashes {
		found |= subtle.ConstantTimeCompare(h, want)
	}
	return found == 1
}

// GenerateWebhookSignature returns the hex HMAC-SHA256 of payload.
func GenerateWebhookSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	expected := GenerateWebhookSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
