package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the billing tier attached to an API key.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// APIKey authenticates one agent within one org. The full secret is shown
// once at mint time; afterwards only the prefix is visible. Lookup is by
// SHA-256 of the full key, so validation is a single indexed read.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	KeyPrefix string    `json:"key_prefix"`
	KeyHash   string    `json:"-"` // Never serialized.
	OrgID     uuid.UUID `json:"org_id"`
	AgentID   string    `json:"agent_id"`
	Tier      Tier      `json:"tier"`

	RequestCount           int64     `json:"request_count"`
	BillingPeriodStart     time.Time `json:"billing_period_start"`
	BillingPeriodResetDays int       `json:"billing_period_reset_days"`

	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// APIKeyWithSecret is returned only on creation, the single moment the
// raw key exists outside the caller's hands.
type APIKeyWithSecret struct {
	APIKey
	RawKey string `json:"raw_key"`
}

const (
	// keySecretLen is the number of random bytes behind the secret portion.
	keySecretLen = 24
	// KeyFormatPrefix marks a credential as an API key rather than a JWT.
	KeyFormatPrefix = "hm_"
	// keyDisplayPrefixLen is how many chars of the full key form the display prefix.
	keyDisplayPrefixLen = 8
)

// GenerateRawKey mints a new raw API key "hm_<48 hex chars>" and returns it
// with its display prefix (the first 8 chars including "hm_").
func GenerateRawKey() (rawKey, prefix string, err error) {
	secret := make([]byte, keySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	rawKey = KeyFormatPrefix + hex.EncodeToString(secret)
	return rawKey, rawKey[:keyDisplayPrefixLen], nil
}

// HashKey returns the hex SHA-256 lookup hash of a raw key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// IsAPIKey reports whether a presented credential looks like an API key
// (as opposed to a bearer JWT).
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, KeyFormatPrefix)
}
