// Package ratelimit tracks the API call allowance reported by the CRM and
// gates outgoing requests on it. State lives in Redis so that every client
// sharing one organisation's allowance sees the same picture.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "crm:rate_limit:remaining"
	RedisKeyResetTimestamp = "crm:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "crm:rate_limit:last_update"
)

// Response headers carrying the allowance.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Thresholds for rate limit decisions.
const (
	// RemainingThresholdCritical blocks requests when fewer calls remain.
	RemainingThresholdCritical = 5

	// RemainingThresholdWarning throttles requests when fewer calls remain.
	RemainingThresholdWarning = 20

	// RemainingThresholdHealthy is the allowance at which no restriction applies.
	RemainingThresholdHealthy = 50
)

// RateLimitState is the last allowance reported by the API.
type RateLimitState struct {
	// Remaining is the number of calls left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests must not be sent before reset.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}

// healthyState is assumed while no allowance has been reported.
func healthyState() *RateLimitState {
	now := time.Now()
	return &RateLimitState{
		Remaining:  RemainingThresholdHealthy,
		ResetAt:    now,
		LastUpdate: now,
		IsHealthy:  true,
	}
}
