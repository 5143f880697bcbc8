package util

import (
	"net/mail"
	"strings"
)

// NormalizeEmail lower-cases and trims an email identifier so challenge
// keys are stable regardless of how the customer typed the address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the identifier is a syntactically valid,
// bare email address (no display name).
func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email
}

// SanitizeInput trims free-text fields before they are forwarded to
// collaborators.
func SanitizeInput(s string) string {
	return strings.TrimSpace(s)
}
