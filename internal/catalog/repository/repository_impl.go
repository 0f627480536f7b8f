package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/catalog/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, svc *domain.PaidService) error {
	return db.WithContext(ctx).Create(svc).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, svc *domain.PaidService) error {
	return db.WithContext(ctx).
		Model(&domain.PaidService{}).
		Where("org_id = ? AND id = ?", svc.OrgID, svc.ID).
		Updates(map[string]any{
			"description": svc.Description,
			"credit_cost": svc.CreditCost,
			"is_active":   svc.IsActive,
			"metadata":    svc.Metadata,
			"updated_at":  svc.UpdatedAt,
		}).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.PaidService, error) {
	return r.first(db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindByName(ctx context.Context, db *gorm.DB, orgID snowflake.ID, name string) (*domain.PaidService, error) {
	return r.first(db.WithContext(ctx).Where("org_id = ? AND LOWER(name) = ?", orgID, strings.ToLower(name)))
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, orgID snowflake.ID, slug string) (*domain.PaidService, error) {
	return r.first(db.WithContext(ctx).Where("org_id = ? AND slug = ?", orgID, slug))
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListRequest) ([]domain.PaidService, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.PaidService{}).
		Where("org_id = ?", orgID)

	if filter.Name != "" {
		stmt = stmt.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(filter.Name)+"%")
	}
	if filter.Active != nil {
		stmt = stmt.Where("is_active = ?", *filter.Active)
	}

	var items []domain.PaidService
	if err := stmt.Order("name ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) first(stmt *gorm.DB) (*domain.PaidService, error) {
	var svc domain.PaidService
	if err := stmt.Take(&svc).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &svc, nil
}
