// Package domain contains the audit trail of paid operations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// UsageRecord stores one successful paid operation and links it to the debit that paid for it.
type UsageRecord struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	OrgID         snowflake.ID  `gorm:"not null;index:ix_usage_records_org_user,priority:1"`
	UserID        string        `gorm:"type:varchar(191);not null;index:ix_usage_records_org_user,priority:2"`
	ServiceID     snowflake.ID  `gorm:"not null;index"`
	ServiceName   string        `gorm:"type:varchar(191);not null"` // snapshot
	LedgerEntryID *snowflake.ID `gorm:"index"`                      // first consumption leg; nil for free services
	BatchID       *string       `gorm:"type:varchar(32);index"`
	CreditCost    int64         `gorm:"not null"`
	CreatedAt     time.Time     `gorm:"not null;index:ix_usage_records_org_user,priority:3"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

func (r UsageRecord) CreditCostDecimal() decimal.Decimal {
	return ledgerdomain.FromMinor(r.CreditCost)
}

// UsageRecordEntry links a usage record to every consumption leg of its debit.
type UsageRecordEntry struct {
	UsageRecordID snowflake.ID `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID `gorm:"primaryKey"`
	Position      int          `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecordEntry) TableName() string { return "usage_record_entries" }
