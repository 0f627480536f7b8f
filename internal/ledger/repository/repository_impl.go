package repository

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, org_id, user_id, amount, source_type, description, expires_at, grant_id, batch_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OrgID,
		entry.UserID,
		entry.Amount,
		entry.SourceType,
		entry.Description,
		entry.ExpiresAt,
		entry.GrantID,
		entry.BatchID,
		entry.CreatedAt,
	).Error
}

func (r *repo) SumTotal(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM ledger_entries
		 WHERE org_id = ? AND user_id = ?`,
		orgID,
		userID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumAvailable(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM ledger_entries
		 WHERE org_id = ? AND user_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		orgID,
		userID,
		now.UTC(),
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumAvailableByBucket(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (domain.BucketSums, error) {
	var sums domain.BucketSums
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN source_type IN ? THEN amount ELSE 0 END), 0) AS subscription,
			COALESCE(SUM(CASE WHEN source_type IN ? THEN 0 ELSE amount END), 0) AS pay_as_you_go
		 FROM ledger_entries
		 WHERE org_id = ? AND user_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		domain.SubscriptionSourceTypes,
		domain.SubscriptionSourceTypes,
		orgID,
		userID,
		now.UTC(),
	).Scan(&sums).Error
	return sums, err
}

// ListOpenSubscriptionGrants returns non-expired subscription grants ordered soonest-expiring
// first, then by creation, so consumption drains them FIFO.
func (r *repo) ListOpenSubscriptionGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) ([]domain.GrantBalance, error) {
	var grants []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND source_type = ?", orgID, userID, domain.SourceTypeSubscriptionGrant).
		Where("(expires_at IS NULL OR expires_at > ?)", now.UTC()).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	balances, err := r.withConsumption(ctx, db, orgID, grants)
	if err != nil {
		return nil, err
	}
	sortFIFO(balances)
	return balances, nil
}

func (r *repo) ListExpiringGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now, until time.Time) ([]domain.GrantBalance, error) {
	var grants []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND source_type = ?", orgID, userID, domain.SourceTypeSubscriptionGrant).
		Where("expires_at > ? AND expires_at <= ?", now.UTC(), until.UTC()).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	balances, err := r.withConsumption(ctx, db, orgID, grants)
	if err != nil {
		return nil, err
	}
	sortFIFO(balances)
	return balances, nil
}

func (r *repo) CountExpiredGrants(ctx context.Context, db *gorm.DB, orgID snowflake.ID, userID string, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("org_id = ? AND user_id = ? AND source_type = ?", orgID, userID, domain.SourceTypeSubscriptionGrant).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Count(&count).Error
	return count, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListFilter) ([]domain.LedgerEntry, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("org_id = ?", orgID)

	if filter.UserID != "" {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if filter.SourceType != "" {
		stmt = stmt.Where("source_type = ?", filter.SourceType)
	}
	if filter.BatchID != "" {
		stmt = stmt.Where("batch_id = ?", filter.BatchID)
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", filter.To.UTC())
	}
	if filter.Cursor != nil {
		createdAt, err := filter.Cursor.CreatedAtTime()
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		cursorID, err := strconv.ParseInt(filter.Cursor.ID, 10, 64)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ? OR (created_at = ? AND id < ?))", createdAt.UTC(), createdAt.UTC(), cursorID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []domain.LedgerEntry
	if err := stmt.Order("created_at DESC").Order("id DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByBatch(ctx context.Context, db *gorm.DB, orgID snowflake.ID, batchID string) ([]domain.LedgerEntry, error) {
	var items []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("org_id = ? AND batch_id = ?", orgID, batchID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) withConsumption(ctx context.Context, db *gorm.DB, orgID snowflake.ID, grants []domain.LedgerEntry) ([]domain.GrantBalance, error) {
	if len(grants) == 0 {
		return nil, nil
	}

	ids := make([]snowflake.ID, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ID)
	}

	var rows []struct {
		GrantID  snowflake.ID `gorm:"column:grant_id"`
		Consumed int64        `gorm:"column:consumed"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT grant_id, COALESCE(SUM(amount), 0) AS consumed
		 FROM ledger_entries
		 WHERE org_id = ? AND grant_id IN ?
		 GROUP BY grant_id`,
		orgID,
		ids,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	consumed := make(map[snowflake.ID]int64, len(rows))
	for _, row := range rows {
		consumed[row.GrantID] = row.Consumed
	}

	balances := make([]domain.GrantBalance, 0, len(grants))
	for _, g := range grants {
		balances = append(balances, domain.GrantBalance{
			ID:        g.ID,
			Amount:    g.Amount,
			Consumed:  consumed[g.ID],
			ExpiresAt: g.ExpiresAt,
			CreatedAt: g.CreatedAt,
		})
	}
	return balances, nil
}

// sortFIFO orders grants by expiry (never-expiring last), then creation time, then id.
func sortFIFO(items []domain.GrantBalance) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
