package repository

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// GetOrCreate inserts the account row if it is missing and returns the stored row.
func (r *repo) GetOrCreate(ctx context.Context, db *gorm.DB, account *domain.CreditAccount) (*domain.CreditAccount, error) {
	return r.getOrCreate(ctx, db, account, false)
}

func (r *repo) GetOrCreateForUpdate(ctx context.Context, db *gorm.DB, account *domain.CreditAccount) (*domain.CreditAccount, error) {
	return r.getOrCreate(ctx, db, account, true)
}

func (r *repo) getOrCreate(ctx context.Context, db *gorm.DB, account *domain.CreditAccount, forUpdate bool) (*domain.CreditAccount, error) {
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account).Error
	if err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		return nil, err
	}

	stmt := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", account.OrgID, account.UserID)
	if forUpdate && pkgdb.SupportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var stored domain.CreditAccount
	if err := stmt.Take(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}
