// Package auth provides API key generation, hashing and verification for
// the portscope API server. Only bcrypt hashes of keys are ever stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "ps"
	// DisplayPrefixLength is the number of random characters shown in logs
	DisplayPrefixLength = 8

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72
)

// GeneratedAPIKey is a new key together with the hash to configure.
type GeneratedAPIKey struct {
	Key       string `json:"key"`
	Hash      string `json:"hash"`
	KeyPrefix string `json:"key_prefix"`
}

// GenerateAPIKey creates a random key and its hash.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 has no ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	randomPart = randomPart[:APIKeyLength]

	key := APIKeyPrefix + "_" + randomPart
	hash, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:       key,
		Hash:      hash,
		KeyPrefix: CreateDisplayPrefix(key),
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for the configuration.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyBytes(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes(apiKey)) == nil
}

// bcrypt ignores input past 72 bytes, so longer keys are hashed with
// SHA-256 first.
func keyBytes(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	return b
}

// IsValidAPIKeyFormat checks if an API key looks like one GenerateAPIKey
// produced. Hand-picked keys are still accepted by ValidateAPIKey.
func IsValidAPIKeyFormat(apiKey string) bool {
	random, ok := strings.CutPrefix(apiKey, APIKeyPrefix+"_")
	if !ok || len(random) != APIKeyLength {
		return false
	}
	for _, char := range random {
		if (char < 'a' || char > 'z') && (char < '2' || char > '7') {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-log prefix such as "ps_abcdefgh...".
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "custom_key"
	}
	return apiKey[:len(APIKeyPrefix)+1+DisplayPrefixLength] + "..."
}

// KeySet verifies keys against a fixed list of hashes.
type KeySet struct {
	hashes []string
}

// NewKeySet creates a key set. Hashes that are not bcrypt hashes are
// rejected.
func NewKeySet(hashes []string) (*KeySet, error) {
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d is not a bcrypt hash: %w", i, err)
		}
	}
	return &KeySet{hashes: append([]string(nil), hashes...)}, nil
}

// Len returns the number of configured hashes.
func (s *KeySet) Len() int {
	return len(s.hashes)
}

// Match reports whether apiKey matches any configured hash.
func (s *KeySet) Match(apiKey string) bool {
	for _, h := range s.hashes {
		if ValidateAPIKey(apiKey, h) {
			return true
		}
	}
	return false
}
