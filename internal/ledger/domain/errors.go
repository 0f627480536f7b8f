package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidSourceType   = errors.New("invalid_source_type")
	ErrInvalidAmount       = errors.New("Amount must be positive")
	ErrInvalidDescription  = errors.New("Description is required")
	ErrInvalidPrecision    = errors.New("amount_precision_exceeded")
	ErrAmountSignMismatch  = errors.New("amount_sign_mismatch")
	ErrExpiryNotAllowed    = errors.New("expires_at_not_allowed")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
