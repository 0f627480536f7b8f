package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/creditledger/internal/catalog/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"github.com/smallbiznis/creditledger/internal/paidservice/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const usageDescriptionPrefix = "Used service: "

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock `optional:"true"`
	Catalog    catalogdomain.Service
	Credits    creditdomain.Service
	Usage      usagedomain.Service
	Registry   *Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	catalog    catalogdomain.Service
	credits    creditdomain.Service
	usage      usagedomain.Service
	registry   *Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	registry := p.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("paidservice.service"),
		clock:      clk,
		catalog:    p.Catalog,
		credits:    p.Credits,
		usage:      p.Usage,
		registry:   registry,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Estimate(ctx context.Context, userID, serviceName string) (*domain.Estimate, error) {
	svc, err := s.catalog.FindActive(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	available, err := s.credits.AvailableBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	required := svc.CreditCostDecimal()
	shortfall := required.Sub(available)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	return &domain.Estimate{
		Service:            svc.Name,
		HasSufficientFunds: available.GreaterThanOrEqual(required),
		Required:           required,
		Available:          available,
		Shortfall:          shortfall,
	}, nil
}

func (s *Service) ChargeAndRecord(ctx context.Context, userID, serviceName string) (*domain.ChargeResult, error) {
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, catalogdomain.ErrInvalidOrganization
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	svc, err := s.catalog.FindActive(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	if svc.IsFree() {
		record, err := s.usage.RecordTx(ctx, s.db, usagedomain.RecordRequest{
			OrgID:       orgID,
			UserID:      userID,
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			CreatedAt:   s.clock.Now(),
		})
		if err != nil {
			return nil, err
		}
		return &domain.ChargeResult{Service: svc, UsageRecord: record}, nil
	}

	var record *usagedomain.UsageRecord
	consumption, err := s.credits.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:      userID,
		Amount:      svc.CreditCostDecimal(),
		Description: usageDescriptionPrefix + svc.Name,
		AfterDebit: func(ctx context.Context, tx *gorm.DB, result *creditdomain.ConsumeResult) error {
			entryIDs := make([]snowflake.ID, 0, len(result.Entries))
			for _, entry := range result.Entries {
				entryIDs = append(entryIDs, entry.ID)
			}
			batchID := result.BatchID
			written, err := s.usage.RecordTx(ctx, tx, usagedomain.RecordRequest{
				OrgID:          orgID,
				UserID:         userID,
				ServiceID:      svc.ID,
				ServiceName:    svc.Name,
				CreditCost:     svc.CreditCost,
				BatchID:        &batchID,
				LedgerEntryIDs: entryIDs,
				CreatedAt:      s.clock.Now(),
			})
			if err != nil {
				return err
			}
			record = written
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	return &domain.ChargeResult{Service: svc, UsageRecord: record, Consumption: consumption}, nil
}

func (s *Service) Execute(ctx context.Context, userID, serviceName string, op domain.Operation, params map[string]any) (*domain.ExecuteResult, error) {
	if op == nil {
		return nil, domain.ErrNilOperation
	}
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	charge, err := s.ChargeAndRecord(ctx, userID, serviceName)
	if err != nil {
		return nil, err
	}

	output, err := op.Execute(ctx, strings.TrimSpace(userID), params)
	if err != nil {
		failure := &domain.OperationFailedError{
			Service:       charge.Service.Name,
			UsageRecordID: charge.UsageRecord.ID,
			Err:           err,
		}
		if charge.Consumption != nil {
			failure.BatchID = charge.Consumption.BatchID
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordOperationFailure(ctx, charge.Service.Name)
		}
		logger.WithContext(ctx, s.log).Warn("paid operation failed after charge",
			zap.String("service", charge.Service.Name),
			zap.String("usage_record_id", charge.UsageRecord.ID.String()),
			zap.String("batch_id", failure.BatchID),
			zap.Error(err),
		)
		return nil, failure
	}

	return &domain.ExecuteResult{ChargeResult: *charge, Output: output}, nil
}

func (s *Service) Run(ctx context.Context, userID, serviceName string, params map[string]any) (*domain.ExecuteResult, error) {
	op, ok := s.registry.Get(serviceName)
	if !ok {
		return nil, domain.ErrOperationNotRegistered
	}
	return s.Execute(ctx, userID, serviceName, op, params)
}

func (s *Service) Operations() []string {
	return s.registry.Names()
}

