package models

import "fmt"

// Purpose is the closed set of self-service actions a guest can be
// verified for. Tokens and challenges are bound to exactly one purpose;
// scope checks compare against these values, never raw strings from the
// wire.
type Purpose string

const (
	PurposeGrievanceAccess   Purpose = "grievance_access"
	PurposeOrderCancellation Purpose = "order_cancellation"
	PurposeDataExport        Purpose = "data_export"
	PurposeDataDeletion      Purpose = "data_deletion"
	PurposeDataCorrection    Purpose = "data_correction"

	// PurposeReviewInvitation is only ever carried by action tokens,
	// never by OTP challenges or session tokens.
	PurposeReviewInvitation Purpose = "review_invitation"
)

var otpPurposes = map[Purpose]bool{
	PurposeGrievanceAccess:   true,
	PurposeOrderCancellation: true,
	PurposeDataExport:        true,
	PurposeDataDeletion:      true,
	PurposeDataCorrection:    true,
}

var orderScopedPurposes = map[Purpose]bool{
	PurposeGrievanceAccess:   true,
	PurposeOrderCancellation: true,
	PurposeDataCorrection:    true,
}

// ParsePurpose maps a wire value onto the enum, rejecting unknown values.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	switch p {
	case PurposeGrievanceAccess, PurposeOrderCancellation, PurposeDataExport,
		PurposeDataDeletion, PurposeDataCorrection, PurposeReviewInvitation:
		return p, nil
	}
	return "", fmt.Errorf("unknown purpose: %q", s)
}

// ValidForOTP reports whether an OTP challenge may be issued for this
// purpose.
func (p Purpose) ValidForOTP() bool {
	return otpPurposes[p]
}

// OrderScoped reports whether challenges for this purpose must be bound
// to a specific order.
func (p Purpose) OrderScoped() bool {
	return orderScopedPurposes[p]
}

func (p Purpose) String() string {
	return string(p)
}
