package cache

import (
	"time"
)

// TokenEntry represents a cached access token.
type TokenEntry struct {
	// AccessToken is the bearer credential
	AccessToken string `json:"access_token"`

	// ExpiresAt is when the token stops being accepted by the API
	ExpiresAt time.Time `json:"expires_at"`

	// CachedAt is when we cached this token
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the token has expired.
func (e *TokenEntry) IsExpired() bool {
	return !time.Now().Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *TokenEntry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
