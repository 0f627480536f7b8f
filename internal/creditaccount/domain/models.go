package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditAccount anchors one user's ledger within an organization. It carries no
// balance; consumers lock this row to serialize debits.
type CreditAccount struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_accounts_org_user,priority:1"`
	UserID    string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_credit_accounts_org_user,priority:2"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }
