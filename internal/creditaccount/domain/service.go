package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type Repository interface {
	GetOrCreate(ctx context.Context, db *gorm.DB, account *CreditAccount) (*CreditAccount, error)
	// GetOrCreateForUpdate reads the account back with a row lock. It must be the
	// first read of the transaction: a plain SELECT before it fixes the MySQL
	// snapshot and later sums would miss debits committed while waiting.
	GetOrCreateForUpdate(ctx context.Context, db *gorm.DB, account *CreditAccount) (*CreditAccount, error)
}

// Service is the per-user credit aggregate: balances, grants and priority consumption.
// The organization is always taken from the context.
type Service interface {
	TotalBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	AvailableBalanceByBucket(ctx context.Context, userID string) (Buckets, error)
	ExpiringWithin(ctx context.Context, userID string, days int) (*ExpiringCredits, error)
	ExpiredCount(ctx context.Context, userID string) (int64, error)

	Grant(ctx context.Context, req GrantRequest) (*ledgerdomain.LedgerEntry, error)
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
}

type BillingInterval string

const (
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

type GrantRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Description string
	SourceType  ledgerdomain.SourceType
	ExpiresAt   *time.Time
	// BillingInterval picks the fallback expiry for subscription grants without ExpiresAt.
	BillingInterval BillingInterval
}

// AfterDebitFunc runs inside the consume transaction after every leg is written.
// Returning an error rolls the debit back.
type AfterDebitFunc func(ctx context.Context, tx *gorm.DB, result *ConsumeResult) error

type ConsumeRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Description string
	AfterDebit  AfterDebitFunc
}

type ConsumeResult struct {
	OrgID          snowflake.ID
	UserID         string
	BatchID        string
	Amount         decimal.Decimal
	Entries        []ledgerdomain.LedgerEntry
	Subscription   decimal.Decimal
	PayAsYouGo     decimal.Decimal
	AvailableAfter decimal.Decimal
}

// FirstEntryID is the id of the first leg written, if any.
func (r *ConsumeResult) FirstEntryID() *snowflake.ID {
	if r == nil || len(r.Entries) == 0 {
		return nil
	}
	id := r.Entries[0].ID
	return &id
}

type Buckets struct {
	Subscription decimal.Decimal `json:"subscription"`
	PayAsYouGo   decimal.Decimal `json:"pay_as_you_go"`
	Total        decimal.Decimal `json:"total"`
}

type ExpiringCredits struct {
	Days            int              `json:"days"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	GrantCount      int              `json:"grant_count"`
	ByDate          []ExpiringOnDate `json:"by_date"`
}

type ExpiringOnDate struct {
	Date      string          `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
}
