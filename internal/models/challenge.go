package models

import "time"

// ChallengeStatus is the lifecycle state of an OTP challenge. Every
// state except active is terminal.
type ChallengeStatus string

const (
	ChallengeActive    ChallengeStatus = "active"
	ChallengeConsumed  ChallengeStatus = "consumed"
	ChallengeExpired   ChallengeStatus = "expired"
	ChallengeExhausted ChallengeStatus = "exhausted"
)

// Terminal reports whether the status permits no further transitions.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeConsumed || s == ChallengeExpired || s == ChallengeExhausted
}

// OtpChallenge is the server-side record of an outstanding code
// issuance. The raw code is never stored; only its salted hash.
// At most one active challenge exists per (purpose, identifier).
type OtpChallenge struct {
	Purpose           Purpose         `json:"purpose"`
	Identifier        string          `json:"identifier"`
	ResourceID        string          `json:"resource_id,omitempty"`
	CodeHash          string          `json:"-"`
	CodeSalt          string          `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	Status            ChallengeStatus `json:"status"`
}

// Expired reports whether the challenge TTL has elapsed at the given
// instant. Expiry is checked lazily at verification time.
func (c *OtpChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
