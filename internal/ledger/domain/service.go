package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	SumTotal(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string) (int64, error)
	SumAvailable(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (int64, error)
	SumAvailableByBucket(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (BucketSums, error)
	ListOpenSubscriptionGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) ([]GrantBalance, error)
	ListExpiringGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now, until time.Time) ([]GrantBalance, error)
	CountExpiredGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (int64, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListFilter) ([]LedgerEntry, error)
	FindByBatch(ctx context.Context, db *gorm.DB, orgID snowflake.ID, batchID string) ([]LedgerEntry, error)
}

// Service appends validated entries and serves read access to the ledger.
type Service interface {
	// AppendTx writes one entry using db, which is usually the caller's transaction.
	AppendTx(ctx context.Context, db *gorm.DB, req AppendRequest) (*LedgerEntry, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
	ListBatch(ctx context.Context, batchID string) ([]Response, error)
}

type AppendRequest struct {
	OrgID       snowflake.ID
	UserID      string
	Amount      int64
	SourceType  SourceType
	Description string
	ExpiresAt   *time.Time
	GrantID     *snowflake.ID
	BatchID     *string
	CreatedAt   time.Time
}

type ListFilter struct {
	UserID     string
	SourceType SourceType
	BatchID    string
	From       *time.Time
	To         *time.Time
	Cursor     *pagination.Cursor
	Limit      int
}

type ListRequest struct {
	UserID     string
	SourceType string
	BatchID    string
	From       *time.Time
	To         *time.Time
	pagination.Pagination
}

type ListResponse struct {
	Entries  []Response          `json:"entries"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Response struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	SourceType  SourceType      `json:"source_type"`
	Description string          `json:"description"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	GrantID     *string         `json:"grant_id,omitempty"`
	BatchID     *string         `json:"batch_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func ToResponse(e *LedgerEntry) Response {
	resp := Response{
		ID:          e.ID.String(),
		UserID:      e.UserID,
		Amount:      e.AmountDecimal(),
		SourceType:  e.SourceType,
		Description: e.Description,
		ExpiresAt:   e.ExpiresAt,
		BatchID:     e.BatchID,
		CreatedAt:   e.CreatedAt,
	}
	if e.GrantID != nil {
		grantID := e.GrantID.String()
		resp.GrantID = &grantID
	}
	return resp
}
