package models

import "time"

// ActionGrant is the stored state behind an emailed deep-link token.
// The token itself is opaque to the customer; only its digest is kept
// server-side. Consumed exactly once.
type ActionGrant struct {
	OrderID   string    `json:"order_id"`
	Purpose   Purpose   `json:"purpose"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    time.Time `json:"used_at,omitempty"`
}

// Used reports whether the grant has already been consumed.
func (g *ActionGrant) Used() bool {
	return !g.UsedAt.IsZero()
}
