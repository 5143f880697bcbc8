package service

import (
	"errors"
	"fmt"
)

// Expected, user-facing outcomes. Handlers translate these to HTTP
// statuses; anything else is an infrastructure fault.
var (
	// ErrNotFound is deliberately generic: it never reveals whether
	// the email or the order was the mismatch.
	ErrNotFound = errors.New("no matching record found")

	ErrInvalidInput      = errors.New("invalid input")
	ErrTooSoon           = errors.New("a code was sent recently, wait before requesting another")
	ErrDeliveryFailed    = errors.New("code delivery failed")
	ErrInvalidOrExpired  = errors.New("code is invalid or expired")
	ErrInvalidCode       = errors.New("incorrect code")
	ErrAttemptsExhausted = errors.New("too many incorrect attempts, request a new code")
	ErrAlreadyUsed       = errors.New("this link has already been used")
	ErrOrderStateInvalid = errors.New("the order is no longer eligible for this action")
)

// InvalidCodeError carries the remaining attempt budget so the UI can
// warn the customer. Unwraps to ErrInvalidCode.
type InvalidCodeError struct {
	AttemptsRemaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("incorrect code, %d attempts remaining", e.AttemptsRemaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}
