package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, svc *PaidService) error
	Update(ctx context.Context, db *gorm.DB, svc *PaidService) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*PaidService, error)
	FindByName(ctx context.Context, db *gorm.DB, orgID snowflake.ID, name string) (*PaidService, error)
	FindBySlug(ctx context.Context, db *gorm.DB, orgID snowflake.ID, slug string) (*PaidService, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListRequest) ([]PaidService, error)
}

type Service interface {
	// FindActive resolves a service by name, falling back to its slug. Inactive
	// services are reported as not found.
	FindActive(ctx context.Context, name string) (*PaidService, error)
	FindByName(ctx context.Context, name string) (*PaidService, error)
	Get(ctx context.Context, id string) (*PaidService, error)
	List(ctx context.Context, req ListRequest) ([]PaidService, error)
	Create(ctx context.Context, req CreateRequest) (*PaidService, error)
	Update(ctx context.Context, req UpdateRequest) (*PaidService, error)
	Deactivate(ctx context.Context, id string) (*PaidService, error)
}

type ListRequest struct {
	Name   string
	Active *bool
}

type CreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	CreditCost  decimal.Decimal `json:"credit_cost"`
	Active      *bool           `json:"active"`
	Metadata    map[string]any  `json:"metadata"`
}

type UpdateRequest struct {
	ID          string           `json:"id"`
	Description *string          `json:"description"`
	CreditCost  *decimal.Decimal `json:"credit_cost"`
	Active      *bool            `json:"active"`
	Metadata    map[string]any   `json:"metadata"`
}

type Response struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	CreditCost  decimal.Decimal `json:"credit_cost"`
	Active      bool            `json:"active"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func ToResponse(s *PaidService) Response {
	return Response{
		ID:          s.ID.String(),
		Name:        s.Name,
		Slug:        s.Slug,
		Description: s.Description,
		CreditCost:  s.CreditCostDecimal(),
		Active:      s.IsActive,
		Metadata:    map[string]any(s.Metadata),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidID           = errors.New("invalid_id")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidCreditCost   = errors.New("invalid_credit_cost")
	ErrDuplicateName       = errors.New("duplicate_service_name")
	ErrServiceNotFound     = errors.New("service_not_found")
)
