package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/pkg/db/option"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	usagerepo  repository.Repository[usagedomain.UsageRecord]
	entryrepo  repository.Repository[usagedomain.UsageRecordEntry]
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		usagerepo:  repository.ProvideStore[usagedomain.UsageRecord](p.DB),
		entryrepo:  repository.ProvideStore[usagedomain.UsageRecordEntry](p.DB),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RecordTx(ctx context.Context, db *gorm.DB, req usagedomain.RecordRequest) (*usagedomain.UsageRecord, error) {
	if req.OrgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	if req.ServiceID == 0 {
		return nil, usagedomain.ErrInvalidService
	}
	if req.CreditCost < 0 {
		return nil, usagedomain.ErrInvalidCreditCost
	}
	if req.CreditCost > 0 && len(req.LedgerEntryIDs) == 0 {
		return nil, usagedomain.ErrMissingLedgerEntry
	}

	record := &usagedomain.UsageRecord{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		UserID:      userID,
		ServiceID:   req.ServiceID,
		ServiceName: strings.TrimSpace(req.ServiceName),
		BatchID:     req.BatchID,
		CreditCost:  req.CreditCost,
		CreatedAt:   req.CreatedAt.UTC(),
	}
	if len(req.LedgerEntryIDs) > 0 {
		first := req.LedgerEntryIDs[0]
		record.LedgerEntryID = &first
	}

	if err := s.usagerepo.WithTrx(db).Create(ctx, record); err != nil {
		return nil, err
	}

	links := make([]*usagedomain.UsageRecordEntry, 0, len(req.LedgerEntryIDs))
	for i, entryID := range req.LedgerEntryIDs {
		links = append(links, &usagedomain.UsageRecordEntry{
			UsageRecordID: record.ID,
			LedgerEntryID: entryID,
			Position:      i,
		})
	}
	if err := s.entryrepo.WithTrx(db).BatchCreate(ctx, links); err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageRecord(ctx, record.ServiceName)
	}
	s.log.Debug("usage recorded",
		zap.String("usage_record_id", record.ID.String()),
		zap.String("service", record.ServiceName),
		zap.String("credit_cost", ledgerdomain.FormatMinor(record.CreditCost)),
		zap.Int("legs", len(links)),
	)
	return record, nil
}

func (s *Service) Get(ctx context.Context, id string) (*usagedomain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	recordID, err := s.parseID(id, usagedomain.ErrInvalidID)
	if err != nil {
		return nil, err
	}

	record, err := s.usagerepo.FindOne(ctx, &usagedomain.UsageRecord{OrgID: orgID, ID: recordID})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, usagedomain.ErrNotFound
	}

	responses, err := s.toResponses(ctx, []*usagedomain.UsageRecord{record})
	if err != nil {
		return nil, err
	}
	return &responses[0], nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	filter, options, err := s.buildUsageFilter(ctx, req)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	items, err := s.usagerepo.Find(ctx, filter, options...)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	items, pageInfo, err := pagination.Trim(items, req.Pagination.Limit(), func(r *usagedomain.UsageRecord) pagination.Cursor {
		return pagination.NewCursor(r.ID.String(), r.CreatedAt)
	})
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	records, err := s.toResponses(ctx, items)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	return usagedomain.ListUsageResponse{PageInfo: pageInfo, UsageRecords: records}, nil
}

func (s *Service) buildUsageFilter(ctx context.Context, req usagedomain.ListUsageRequest) (*usagedomain.UsageRecord, []option.QueryOption, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, nil, usagedomain.ErrInvalidOrganization
	}

	filter := &usagedomain.UsageRecord{
		OrgID:  orgID,
		UserID: strings.TrimSpace(req.UserID),
	}
	if req.ServiceID != "" {
		serviceID, err := s.parseID(req.ServiceID, usagedomain.ErrInvalidService)
		if err != nil {
			return nil, nil, err
		}
		filter.ServiceID = serviceID
	}

	options := []option.QueryOption{option.ApplyPagination(req.Pagination)}
	if req.From != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.From,
		}))
	}
	if req.To != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LT,
			Value:    *req.To,
		}))
	}
	return filter, options, nil
}

func (s *Service) toResponses(ctx context.Context, items []*usagedomain.UsageRecord) ([]usagedomain.Response, error) {
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	legs := map[snowflake.ID][]string{}
	if len(ids) > 0 {
		var links []usagedomain.UsageRecordEntry
		err := s.db.WithContext(ctx).
			Where("usage_record_id IN ?", ids).
			Order("usage_record_id").
			Order("position").
			Find(&links).Error
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			legs[link.UsageRecordID] = append(legs[link.UsageRecordID], link.LedgerEntryID.String())
		}
	}

	out := make([]usagedomain.Response, 0, len(items))
	for _, item := range items {
		resp := usagedomain.Response{
			ID:             item.ID.String(),
			UserID:         item.UserID,
			ServiceID:      item.ServiceID.String(),
			ServiceName:    item.ServiceName,
			LedgerEntryIDs: legs[item.ID],
			BatchID:        item.BatchID,
			CreditCost:     item.CreditCostDecimal(),
			CreatedAt:      item.CreatedAt,
		}
		if resp.LedgerEntryIDs == nil {
			resp.LedgerEntryIDs = []string{}
		}
		if item.LedgerEntryID != nil {
			first := item.LedgerEntryID.String()
			resp.LedgerEntryID = &first
		}
		out = append(out, resp)
	}
	return out, nil
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
