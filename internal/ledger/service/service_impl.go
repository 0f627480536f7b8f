package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AppendTx(ctx context.Context, db *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.LedgerEntry, error) {
	if db == nil {
		db = s.db
	}

	entry := &ledgerdomain.LedgerEntry{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		UserID:      strings.TrimSpace(req.UserID),
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		Description: strings.TrimSpace(req.Description),
		ExpiresAt:   req.ExpiresAt,
		GrantID:     req.GrantID,
		BatchID:     req.BatchID,
		CreatedAt:   req.CreatedAt.UTC(),
	}
	if entry.ExpiresAt != nil {
		expiresAt := entry.ExpiresAt.UTC()
		entry.ExpiresAt = &expiresAt
	}
	if err := ledgerdomain.ValidateEntry(entry); err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, db, entry); err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.SourceType))
	}
	s.log.Debug("ledger entry appended",
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.String("source_type", string(entry.SourceType)),
		zap.String("amount", ledgerdomain.FormatMinor(entry.Amount)),
	)
	return entry, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (*ledgerdomain.ListResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	filter := ledgerdomain.ListFilter{
		UserID:  strings.TrimSpace(req.UserID),
		BatchID: strings.TrimSpace(req.BatchID),
		From:    req.From,
		To:      req.To,
	}
	if raw := strings.TrimSpace(req.SourceType); raw != "" {
		sourceType, err := ledgerdomain.ParseSourceType(raw)
		if err != nil {
			return nil, err
		}
		filter.SourceType = sourceType
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		filter.Cursor = cursor
	}

	limit := req.Pagination.Limit()
	filter.Limit = limit + 1

	items, err := s.repo.List(ctx, s.db, orgID, filter)
	if err != nil {
		return nil, err
	}

	items, pageInfo, err := pagination.Trim(items, limit, func(e ledgerdomain.LedgerEntry) pagination.Cursor {
		return pagination.NewCursor(e.ID.String(), e.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]ledgerdomain.Response, 0, len(items))
	for i := range items {
		entries = append(entries, ledgerdomain.ToResponse(&items[i]))
	}
	return &ledgerdomain.ListResponse{Entries: entries, PageInfo: pageInfo}, nil
}

func (s *Service) ListBatch(ctx context.Context, batchID string) ([]ledgerdomain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, nil
	}

	items, err := s.repo.FindByBatch(ctx, s.db, orgID, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]ledgerdomain.Response, 0, len(items))
	for i := range items {
		out = append(out, ledgerdomain.ToResponse(&items[i]))
	}
	return out, nil
}
