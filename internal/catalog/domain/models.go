package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/datatypes"
)

// PaidService is a catalog row: a named operation with a fixed credit price.
// CreditCost is kept in hundredths like ledger amounts.
type PaidService struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	OrgID       snowflake.ID      `gorm:"not null;uniqueIndex:ux_services_org_name,priority:1;uniqueIndex:ux_services_org_slug,priority:1"`
	Name        string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_services_org_name,priority:2"`
	Slug        string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_services_org_slug,priority:2"`
	Description string            `gorm:"type:text"`
	CreditCost  int64             `gorm:"not null"`
	IsActive    bool              `gorm:"not null"`
	Metadata    datatypes.JSONMap `gorm:"type:json"`
	CreatedAt   time.Time         `gorm:"not null"`
	UpdatedAt   time.Time         `gorm:"not null"`
}

func (PaidService) TableName() string { return "services" }

func (s PaidService) CreditCostDecimal() decimal.Decimal {
	return ledgerdomain.FromMinor(s.CreditCost)
}

// IsFree reports whether using the service charges nothing.
func (s PaidService) IsFree() bool {
	return s.CreditCost == 0
}
