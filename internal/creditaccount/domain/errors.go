package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

var (
	ErrInvalidOrganization = ledgerdomain.ErrInvalidOrganization
	ErrInvalidUser         = ledgerdomain.ErrInvalidUser
	ErrInvalidSourceType   = ledgerdomain.ErrInvalidSourceType
	ErrInvalidAmount       = ledgerdomain.ErrInvalidAmount
	ErrInvalidDescription  = ledgerdomain.ErrInvalidDescription
	ErrInvalidPrecision    = ledgerdomain.ErrInvalidPrecision

	ErrUnexpectedExpiry    = errors.New("expires_at_only_for_subscription_grants")
	ErrInvalidWindow       = errors.New("invalid_expiry_window")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
)

// InsufficientCreditsError carries the balance observed at debit time.
type InsufficientCreditsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("Insufficient credits. Available balance: %s, Required: %s", e.Available.String(), e.Required.String())
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Shortfall is how much more credit the caller would need.
func (e *InsufficientCreditsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// IsRetryable reports whether err came from lock contention rather than the balance.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
