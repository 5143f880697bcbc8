package models

import "time"

// Security event types reported to the external incident / IP-blocking
// system.
const (
	EventRateLimited        = "rate_limited"
	EventAttemptsExhausted  = "otp_attempts_exhausted"
	EventActionTokenReplay  = "action_token_replay"
	EventEnumerationAttempt = "enumeration_attempt"
)

// SecurityEvent is the payload emitted to the incident pipeline when
// the abuse guard or verifier observes hostile behavior.
type SecurityEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Identifier string    `json:"identifier,omitempty"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Purpose    string    `json:"purpose,omitempty"`
	Details    string    `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
