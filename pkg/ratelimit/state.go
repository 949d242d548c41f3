// Package ratelimit parses GitHub quota headers and mirrors per-credential
// quota state in Redis, so collector processes sharing the same credentials
// start from the last window another process observed.
package ratelimit

import (
	"fmt"
	"time"
)

// RedisKeyPrefix prefixes every quota hash stored by the Tracker.
// Full key: gh-harvest:quota:<credential-id>:<resource-class>
const RedisKeyPrefix = "gh-harvest:quota"

// Quota status values stored alongside the numbers.
const (
	StatusActive    = "ACTIVE"
	StatusExhausted = "EXHAUSTED"
	StatusInvalid   = "INVALID"
)

// QuotaKey returns the Redis key for a (credential, class) pair.
func QuotaKey(credentialID, class string) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyPrefix, credentialID, class)
}

// QuotaState is the quota of one credential for one resource class.
type QuotaState struct {
	// Remaining is the number of calls left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the window size last reported by the server.
	Limit int `json:"limit"`

	// ResetAt is when the server refills the window (X-RateLimit-Reset).
	ResetAt time.Time `json:"reset_at"`

	// BackoffUntil is set after a secondary rate limit.
	BackoffUntil time.Time `json:"backoff_until"`

	// Status is one of StatusActive, StatusExhausted, StatusInvalid.
	Status string `json:"status"`

	// LastUpdate is when this state was last reconciled.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge at now.
func (s *QuotaState) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// WindowPassed reports whether the server-reported reset time is known and
// has elapsed at now.
func (s *QuotaState) WindowPassed(now time.Time) bool {
	return !s.ResetAt.IsZero() && !now.Before(s.ResetAt)
}
