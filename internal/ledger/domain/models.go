package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// SourceType tags where a ledger entry's credits came from or went to.
type SourceType string

const (
	// ======================
	// Grants (always positive)
	// ======================
	SourceTypeSubscriptionGrant SourceType = "SUBSCRIPTION_GRANT" // recurring allocation, expires
	SourceTypePurchaseGrant     SourceType = "PURCHASE_GRANT"     // one-off top-up
	SourceTypeAdminGrant        SourceType = "ADMIN_GRANT"        // manual adjustment

	// ======================
	// Consumption (always negative)
	// ======================
	SourceTypeSubscriptionConsumption SourceType = "SUBSCRIPTION_CONSUMPTION"
	SourceTypePaygConsumption         SourceType = "PAYG_CONSUMPTION"
	SourceTypeConsumption             SourceType = "CONSUMPTION" // not split by bucket
)

const subscriptionPrefix = "SUBSCRIPTION_"

// SubscriptionSourceTypes are the entry types counted in the subscription bucket.
var SubscriptionSourceTypes = []SourceType{
	SourceTypeSubscriptionGrant,
	SourceTypeSubscriptionConsumption,
}

func (t SourceType) IsGrant() bool {
	switch t {
	case SourceTypeSubscriptionGrant, SourceTypePurchaseGrant, SourceTypeAdminGrant:
		return true
	}
	return false
}

func (t SourceType) IsConsumption() bool {
	switch t {
	case SourceTypeSubscriptionConsumption, SourceTypePaygConsumption, SourceTypeConsumption:
		return true
	}
	return false
}

func (t SourceType) IsSubscription() bool {
	return strings.HasPrefix(string(t), subscriptionPrefix)
}

func (t SourceType) Valid() bool {
	return t.IsGrant() || t.IsConsumption()
}

// ParseSourceType normalizes user input such as "purchase_grant".
func ParseSourceType(raw string) (SourceType, error) {
	value := SourceType(strings.ToUpper(strings.TrimSpace(raw)))
	if !value.Valid() {
		return "", ErrInvalidSourceType
	}
	return value, nil
}

// LedgerEntry is one immutable signed movement of credits for a user.
// Amount is stored in hundredths so aggregate queries stay exact on every dialect.
type LedgerEntry struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	OrgID       snowflake.ID  `gorm:"not null;index:ix_ledger_entries_account_expiry,priority:1"`
	UserID      string        `gorm:"type:varchar(191);not null;index:ix_ledger_entries_account_expiry,priority:2"`
	Amount      int64         `gorm:"not null"`
	SourceType  SourceType    `gorm:"type:varchar(64);not null"`
	Description string        `gorm:"type:text;not null"`
	ExpiresAt   *time.Time    `gorm:"index:ix_ledger_entries_account_expiry,priority:3"`
	GrantID     *snowflake.ID `gorm:"index"`
	BatchID     *string       `gorm:"type:varchar(32);index"`
	CreatedAt   time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e LedgerEntry) AmountDecimal() decimal.Decimal {
	return FromMinor(e.Amount)
}

// BucketSums splits the non-expired balance into the two consumption buckets, in hundredths.
type BucketSums struct {
	Subscription int64 `gorm:"column:subscription"`
	PayAsYouGo   int64 `gorm:"column:pay_as_you_go"`
}

func (b BucketSums) Total() int64 {
	return b.Subscription + b.PayAsYouGo
}

// GrantBalance is a subscription grant together with the consumption legs linked to it.
type GrantBalance struct {
	ID        snowflake.ID
	Amount    int64
	Consumed  int64 // sum of linked legs, zero or negative
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (g GrantBalance) Remaining() int64 {
	remaining := g.Amount + g.Consumed
	if remaining < 0 {
		return 0
	}
	return remaining
}
