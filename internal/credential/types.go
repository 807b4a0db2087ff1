// Package credential manages secrets at rest: encrypted storage with a TTL
// cache, scope-enforced retrieval, validation, interactive acquisition
// flows, and transactional rotation.
package credential

import (
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/crypto"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// RotationPolicy bounds a credential's lifetime.
type RotationPolicy struct {
	// Interval is the configured lifetime. Zero disables expiry.
	Interval time.Duration `json:"interval,omitempty"`
}

// Metadata describes a stored credential without exposing its value.
type Metadata struct {
	// ID is the credential's identifier.
	ID types.CredentialID `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Key names the credential type, e.g. "api_key" or "oauth2".
	Key string `json:"key"`

	// OwnerScope is the scope the credential belongs to. Retrieval is
	// refused to callers whose scope is not within it.
	OwnerScope types.Scope `json:"owner_scope"`

	// Version increments on every state swap; rotation commits
	// compare-and-swap against it.
	Version int64 `json:"version"`

	// Rotation is the lifetime policy.
	Rotation RotationPolicy `json:"rotation"`

	// UsageCount tracks successful retrievals.
	UsageCount int64 `json:"usage_count"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// StoredCredential pairs metadata with the opaque encrypted payload.
type StoredCredential struct {
	Metadata Metadata             `json:"metadata"`
	Data     crypto.EncryptedData `json:"data"`
}

// ValidationResult is the outcome of a credential health check.
type ValidationResult struct {
	// IsValid is false when the credential is missing or cannot be
	// decrypted.
	IsValid bool `json:"is_valid"`

	// IsExpired is true when the configured lifetime has elapsed.
	IsExpired bool `json:"is_expired"`

	// RotationRecommended is true when most of the lifetime is consumed.
	RotationRecommended bool `json:"rotation_recommended"`
}

// rotationRecommendedFraction is the share of the configured lifetime after
// which rotation is recommended.
const rotationRecommendedFraction = 0.75

// validateAge derives the validation flags from a credential's age and
// policy.
func validateAge(createdAt time.Time, policy RotationPolicy, now time.Time) ValidationResult {
	result := ValidationResult{IsValid: true}
	if policy.Interval <= 0 {
		return result
	}
	age := now.Sub(createdAt)
	if age > policy.Interval {
		result.IsExpired = true
	}
	if float64(age) > float64(policy.Interval)*rotationRecommendedFraction {
		result.RotationRecommended = true
	}
	return result
}
