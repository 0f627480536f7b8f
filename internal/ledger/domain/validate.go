package domain

import "strings"

// ValidateEntry checks an entry before it is appended. Grants must be positive,
// consumption must be negative, and only subscription entries may expire.
func ValidateEntry(e *LedgerEntry) error {
	if e == nil {
		return ErrInvalidAmount
	}
	if e.OrgID == 0 {
		return ErrInvalidOrganization
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrInvalidUser
	}
	if !e.SourceType.Valid() {
		return ErrInvalidSourceType
	}
	if strings.TrimSpace(e.Description) == "" {
		return ErrInvalidDescription
	}
	if e.Amount == 0 {
		return ErrInvalidAmount
	}
	if e.SourceType.IsGrant() && e.Amount < 0 {
		return ErrAmountSignMismatch
	}
	if e.SourceType.IsConsumption() && e.Amount > 0 {
		return ErrAmountSignMismatch
	}
	if e.ExpiresAt != nil && !e.SourceType.IsSubscription() {
		return ErrExpiryNotAllowed
	}
	if e.GrantID != nil && e.SourceType != SourceTypeSubscriptionConsumption {
		return ErrInvalidSourceType
	}
	return nil
}
