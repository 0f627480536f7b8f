package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type RecordRequest struct {
	OrgID          snowflake.ID
	UserID         string
	ServiceID      snowflake.ID
	ServiceName    string
	CreditCost     int64
	BatchID        *string
	LedgerEntryIDs []snowflake.ID
	CreatedAt      time.Time
}

type ListUsageRequest struct {
	UserID    string     `json:"user_id"`
	ServiceID string     `json:"service_id"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
	pagination.Pagination
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []Response `json:"usage_records"`
}

type Response struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ServiceID      string          `json:"service_id"`
	ServiceName    string          `json:"service_name"`
	LedgerEntryID  *string         `json:"ledger_entry_id,omitempty"`
	LedgerEntryIDs []string        `json:"ledger_entry_ids"`
	BatchID        *string         `json:"batch_id,omitempty"`
	CreditCost     decimal.Decimal `json:"credit_cost"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Service interface {
	// RecordTx writes the record and its leg links using db, normally the debit transaction.
	RecordTx(ctx context.Context, db *gorm.DB, req RecordRequest) (*UsageRecord, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidService      = errors.New("invalid_service")
	ErrInvalidCreditCost   = errors.New("invalid_credit_cost")
	ErrInvalidID           = errors.New("invalid_id")
	ErrMissingLedgerEntry  = errors.New("usage_record_requires_ledger_entry")
	ErrNotFound            = errors.New("usage_record_not_found")
)
