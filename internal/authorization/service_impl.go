package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed model.conf
var modelText string

const (
	ObjectService       = "service"
	ObjectCreditAccount = "credit_account"
	ObjectAuditLog      = "audit_log"
)

const (
	ActionServiceCreate     = "service.create"
	ActionServiceUpdate     = "service.update"
	ActionServiceDeactivate = "service.deactivate"

	ActionCreditAccountAdminGrant = "credit_account.admin_grant"

	ActionAuditLogView = "audit_log.view"
)

const (
	subjectSystem  = "system"
	operatorPrefix = "operator:"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, orgID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, actorType, actorID, err := s.resolveActor(ctx, actor, orgID)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, object, action, err)
		return err
	}

	domain := "org:" + orgID
	if err := s.ensureGrouping(actor, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) AssignRole(ctx context.Context, orgID snowflake.ID, operatorID string, role string) error {
	operatorID = strings.TrimSpace(operatorID)
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	if operatorID == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case RoleOwner, RoleAdmin, RoleSupport, RoleViewer:
	default:
		return ErrInvalidRole
	}

	row := OperatorRole{OrgID: orgID, OperatorID: operatorID, Role: role}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "operator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&row).Error
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, orgID string) (string, string, string, error) {
	if actor == subjectSystem {
		return "role:system", orgcontext.ActorTypeSystem, "", nil
	}
	if !strings.HasPrefix(actor, operatorPrefix) {
		return "", "", "", ErrInvalidActor
	}
	operatorID := strings.TrimSpace(strings.TrimPrefix(actor, operatorPrefix))
	if operatorID == "" {
		return "", "", "", ErrInvalidActor
	}
	parsedOrgID, err := snowflake.ParseString(orgID)
	if err != nil || parsedOrgID == 0 {
		return "", orgcontext.ActorTypeOperator, operatorID, ErrInvalidOrganization
	}
	role, err := s.roleForOperator(ctx, parsedOrgID, operatorID)
	if err != nil {
		return "", orgcontext.ActorTypeOperator, operatorID, err
	}
	return "role:" + role, orgcontext.ActorTypeOperator, operatorID, nil
}

func (s *ServiceImpl) roleForOperator(ctx context.Context, orgID snowflake.ID, operatorID string) (string, error) {
	var row OperatorRole
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND operator_id = ?", orgID, operatorID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return "", err
	}

	role := strings.ToLower(strings.TrimSpace(row.Role))
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID string, object string, action string, reason error) {
	if s.auditSvc == nil {
		return
	}
	if _, ok := orgcontext.OrgIDFromContext(ctx); !ok {
		return
	}
	if actorType == "" {
		actorType = "unknown"
	}
	_, err := s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorType:  auditdomain.ActorType(actorType),
		ActorID:    actorID,
		Action:     auditdomain.ActionAuthorizationDenied,
		TargetType: "authorization",
		TargetID:   object,
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"reason": reason.Error(),
		},
	})
	if err != nil {
		s.log.Warn("failed to audit authorization denial", zap.String("action", action), zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectAuditLog, ActionAuditLogView},

		// Support may top up accounts but not touch the catalog
		{"role:support", ObjectCreditAccount, ActionCreditAccountAdminGrant},
		{"role:support", ObjectAuditLog, ActionAuditLogView},

		// Admin permissions
		{"role:admin", ObjectService, ActionServiceCreate},
		{"role:admin", ObjectService, ActionServiceUpdate},
		{"role:admin", ObjectService, ActionServiceDeactivate},
		{"role:admin", ObjectCreditAccount, ActionCreditAccountAdminGrant},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// Owner permissions
		{"role:owner", ObjectService, ActionServiceCreate},
		{"role:owner", ObjectService, ActionServiceUpdate},
		{"role:owner", ObjectService, ActionServiceDeactivate},
		{"role:owner", ObjectCreditAccount, ActionCreditAccountAdminGrant},
		{"role:owner", ObjectAuditLog, ActionAuditLogView},

		// System permissions (seeding and automated processes)
		{"role:system", ObjectService, ActionServiceCreate},
		{"role:system", ObjectService, ActionServiceUpdate},
		{"role:system", ObjectService, ActionServiceDeactivate},
		{"role:system", ObjectCreditAccount, ActionCreditAccountAdminGrant},
		{"role:system", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
