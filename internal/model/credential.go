package model

import "time"

// Credential is a long-lived API key. The plaintext key is never stored; only
// derived fingerprints and a short display prefix are persisted.
//
// Rows minted under the retired single-round scheme carry FingerprintLegacy
// and leave every tier-2 field nil.
type Credential struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Label              string     `json:"label"`
	DisplayPrefix      string     `json:"display_prefix"`
	FingerprintPrimary *string    `json:"-"`
	FingerprintPublic  *string    `json:"fingerprint,omitempty"`
	FingerprintSealed  *string    `json:"-"`
	FingerprintLegacy  *string    `json:"-"`
	Scopes             []string   `json:"scopes"`
	MonthlyLimit       int64      `json:"monthly_limit"`
	MonthlyUsage       int64      `json:"monthly_usage"`
	IsActive           bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	LastResetAt        time.Time  `json:"last_reset_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsLegacy reports whether the credential only supports single-round
// verification.
func (c *Credential) IsLegacy() bool {
	return c.FingerprintPrimary == nil && c.FingerprintLegacy != nil
}

// IsExpired reports whether the credential's expiry has passed at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// HasScope reports whether the credential grants scope. An empty scope set
// grants everything.
func (c *Credential) HasScope(scope string) bool {
	if scope == "" || len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// RemainingUnits returns the unconsumed part of the monthly budget, never
// negative.
func (c *Credential) RemainingUnits() int64 {
	if c.MonthlyUsage >= c.MonthlyLimit {
		return 0
	}
	return c.MonthlyLimit - c.MonthlyUsage
}
