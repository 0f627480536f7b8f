package backoffice

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/creditledger/internal/catalog/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Authz   authorization.Service
	Audit   auditdomain.Service
	Credits creditdomain.Service
	Catalog catalogdomain.Service
}

type ServiceImpl struct {
	log     *zap.Logger
	authz   authorization.Service
	audit   auditdomain.Service
	credits creditdomain.Service
	catalog catalogdomain.Service
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:     p.Log.Named("backoffice.service"),
		authz:   p.Authz,
		audit:   p.Audit,
		credits: p.Credits,
		catalog: p.Catalog,
	}
}

func (s *ServiceImpl) GrantCredits(ctx context.Context, req AdminGrantRequest) (*ledgerdomain.LedgerEntry, error) {
	if err := s.authorize(ctx, authorization.ObjectCreditAccount, authorization.ActionCreditAccountAdminGrant); err != nil {
		return nil, err
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Admin grant"
	}
	entry, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: description,
		SourceType:  ledgerdomain.SourceTypeAdminGrant,
	})
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"ledger_entry_id": entry.ID.String(),
		"amount":          entry.AmountDecimal().String(),
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.record(ctx, auditdomain.ActionCreditsAdminGranted, auditdomain.TargetTypeCreditAccount, entry.UserID, metadata)
	return entry, nil
}

func (s *ServiceImpl) CreateService(ctx context.Context, req catalogdomain.CreateRequest) (*catalogdomain.PaidService, error) {
	if err := s.authorize(ctx, authorization.ObjectService, authorization.ActionServiceCreate); err != nil {
		return nil, err
	}
	svc, err := s.catalog.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.record(ctx, auditdomain.ActionServiceCreated, auditdomain.TargetTypeService, svc.ID.String(), map[string]any{
		"name":        svc.Name,
		"credit_cost": svc.CreditCostDecimal().String(),
		"active":      svc.IsActive,
	})
	return svc, nil
}

func (s *ServiceImpl) UpdateService(ctx context.Context, req catalogdomain.UpdateRequest) (*catalogdomain.PaidService, error) {
	if err := s.authorize(ctx, authorization.ObjectService, authorization.ActionServiceUpdate); err != nil {
		return nil, err
	}
	svc, err := s.catalog.Update(ctx, req)
	if err != nil {
		return nil, err
	}

	changed := []string{}
	if req.Description != nil {
		changed = append(changed, "description")
	}
	if req.CreditCost != nil {
		changed = append(changed, "credit_cost")
	}
	if req.Active != nil {
		changed = append(changed, "active")
	}
	if req.Metadata != nil {
		changed = append(changed, "metadata")
	}
	s.record(ctx, auditdomain.ActionServiceUpdated, auditdomain.TargetTypeService, svc.ID.String(), map[string]any{
		"name":        svc.Name,
		"credit_cost": svc.CreditCostDecimal().String(),
		"active":      svc.IsActive,
		"changed":     changed,
	})
	return svc, nil
}

func (s *ServiceImpl) DeactivateService(ctx context.Context, id string) (*catalogdomain.PaidService, error) {
	if err := s.authorize(ctx, authorization.ObjectService, authorization.ActionServiceDeactivate); err != nil {
		return nil, err
	}
	svc, err := s.catalog.Deactivate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, auditdomain.ActionServiceDeactivated, auditdomain.TargetTypeService, svc.ID.String(), map[string]any{
		"name": svc.Name,
	})
	return svc, nil
}

func (s *ServiceImpl) ListAuditLogs(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if err := s.authorize(ctx, authorization.ObjectAuditLog, authorization.ActionAuditLogView); err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	return s.audit.List(ctx, req)
}

func (s *ServiceImpl) authorize(ctx context.Context, object, action string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return authorization.ErrInvalidOrganization
	}
	actor, _ := orgcontext.ActorFromContext(ctx)
	return s.authz.Authorize(ctx, actor.Subject(), orgID.String(), object, action)
}

// record writes an audit entry. Failures are logged, not returned.
func (s *ServiceImpl) record(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	_, err := s.audit.Record(ctx, auditdomain.RecordRequest{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Error("failed to write audit log",
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}
