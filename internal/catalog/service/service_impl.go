package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/catalog/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

func (s *Service) FindActive(ctx context.Context, name string) (*domain.PaidService, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrServiceNotFound
	}

	item, err := s.repo.FindByName(ctx, s.db, orgID, name)
	if err != nil {
		return nil, err
	}
	if item == nil {
		item, err = s.repo.FindBySlug(ctx, s.db, orgID, slug.Make(name))
		if err != nil {
			return nil, err
		}
	}
	if item == nil || !item.IsActive {
		return nil, domain.ErrServiceNotFound
	}
	return item, nil
}

func (s *Service) FindByName(ctx context.Context, name string) (*domain.PaidService, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	item, err := s.repo.FindByName(ctx, s.db, orgID, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrServiceNotFound
	}
	return item, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.PaidService, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	serviceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, serviceID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrServiceNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.PaidService, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.List(ctx, s.db, orgID, domain.ListRequest{
		Name:   strings.TrimSpace(req.Name),
		Active: req.Active,
	})
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.PaidService, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	serviceSlug := slug.Make(name)
	if serviceSlug == "" {
		return nil, domain.ErrInvalidName
	}
	cost, err := costToMinor(req.CreditCost)
	if err != nil {
		return nil, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	item := &domain.PaidService{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Name:        name,
		Slug:        serviceSlug,
		Description: strings.TrimSpace(req.Description),
		CreditCost:  cost,
		IsActive:    active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Metadata != nil {
		item.Metadata = datatypes.JSONMap(req.Metadata)
	}

	existing, err := s.repo.FindByName(ctx, s.db, orgID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrDuplicateName
	}

	if err := s.repo.Insert(ctx, s.db, item); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateName
		}
		return nil, err
	}

	s.log.Info("service created",
		zap.String("service_id", item.ID.String()),
		zap.String("name", item.Name),
		zap.String("credit_cost", ledgerdomain.FormatMinor(item.CreditCost)),
	)
	return item, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.PaidService, error) {
	item, err := s.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if req.Description != nil {
		item.Description = strings.TrimSpace(*req.Description)
	}
	if req.CreditCost != nil {
		cost, err := costToMinor(*req.CreditCost)
		if err != nil {
			return nil, err
		}
		item.CreditCost = cost
	}
	if req.Active != nil {
		item.IsActive = *req.Active
	}
	if req.Metadata != nil {
		item.Metadata = datatypes.JSONMap(req.Metadata)
	}

	item.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) (*domain.PaidService, error) {
	inactive := false
	return s.Update(ctx, domain.UpdateRequest{ID: id, Active: &inactive})
}

// costToMinor accepts zero or a positive amount with at most two decimals.
func costToMinor(cost decimal.Decimal) (int64, error) {
	if cost.IsNegative() {
		return 0, domain.ErrInvalidCreditCost
	}
	minor, err := ledgerdomain.ToMinor(cost)
	if err != nil {
		return 0, domain.ErrInvalidCreditCost
	}
	return minor, nil
}

