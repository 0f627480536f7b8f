package authorization

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepository "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type authzEnv struct {
	db    *gorm.DB
	svc   Service
	orgID snowflake.ID
	ctx   context.Context
}

func newAuthzEnv(t *testing.T) *authzEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&OperatorRole{}, &auditdomain.AuditLog{}))

	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Repo: auditrepository.Provide()})
	orgID := node.Generate()

	return &authzEnv{
		db:    db,
		svc:   NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: audit}),
		orgID: orgID,
		ctx:   orgcontext.WithOrgID(context.Background(), int64(orgID)),
	}
}

func (e *authzEnv) deniedCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&auditdomain.AuditLog{}).Where("action = ?", auditdomain.ActionAuthorizationDenied).Count(&n).Error)
	return n
}

func TestAuthorizeSystemActor(t *testing.T) {
	env := newAuthzEnv(t)
	for _, action := range []string{ActionServiceCreate, ActionServiceUpdate, ActionServiceDeactivate} {
		require.NoError(t, env.svc.Authorize(env.ctx, "system", env.orgID.String(), ObjectService, action))
	}
	require.NoError(t, env.svc.Authorize(env.ctx, "system", env.orgID.String(), ObjectCreditAccount, ActionCreditAccountAdminGrant))
}

func TestAuthorizeOperatorRoles(t *testing.T) {
	env := newAuthzEnv(t)
	org := env.orgID.String()

	require.NoError(t, env.svc.AssignRole(env.ctx, env.orgID, "ops-1", "Support"))
	require.NoError(t, env.svc.Authorize(env.ctx, "operator:ops-1", org, ObjectCreditAccount, ActionCreditAccountAdminGrant))
	require.ErrorIs(t, env.svc.Authorize(env.ctx, "operator:ops-1", org, ObjectService, ActionServiceCreate), ErrForbidden)
	assert.Equal(t, int64(1), env.deniedCount(t))

	require.NoError(t, env.svc.AssignRole(env.ctx, env.orgID, "ops-1", RoleAdmin))
	require.NoError(t, env.svc.Authorize(env.ctx, "operator:ops-1", org, ObjectService, ActionServiceCreate))

	require.NoError(t, env.svc.AssignRole(env.ctx, env.orgID, "ops-1", RoleViewer))
	require.ErrorIs(t, env.svc.Authorize(env.ctx, "operator:ops-1", org, ObjectService, ActionServiceCreate), ErrForbidden)
	require.NoError(t, env.svc.Authorize(env.ctx, "operator:ops-1", org, ObjectAuditLog, ActionAuditLogView))
}

func TestAuthorizeOperatorWithoutRole(t *testing.T) {
	env := newAuthzEnv(t)

	err := env.svc.Authorize(env.ctx, "operator:stranger", env.orgID.String(), ObjectCreditAccount, ActionCreditAccountAdminGrant)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, int64(1), env.deniedCount(t))

	var entry auditdomain.AuditLog
	require.NoError(t, env.db.Where("action = ?", auditdomain.ActionAuthorizationDenied).First(&entry).Error)
	assert.Equal(t, "operator", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "stranger", *entry.ActorID)
}

func TestRolesAreScopedPerOrganization(t *testing.T) {
	env := newAuthzEnv(t)
	other := env.orgID + 1

	require.NoError(t, env.svc.AssignRole(env.ctx, env.orgID, "ops-2", RoleOwner))
	require.NoError(t, env.svc.Authorize(env.ctx, "operator:ops-2", env.orgID.String(), ObjectService, ActionServiceDeactivate))

	otherCtx := orgcontext.WithOrgID(context.Background(), int64(other))
	require.ErrorIs(t, env.svc.Authorize(otherCtx, "operator:ops-2", other.String(), ObjectService, ActionServiceDeactivate), ErrForbidden)
}

func TestAuthorizeValidation(t *testing.T) {
	env := newAuthzEnv(t)
	org := env.orgID.String()

	tests := []struct {
		name   string
		actor  string
		org    string
		object string
		action string
		want   error
	}{
		{name: "blank actor", actor: " ", org: org, object: ObjectService, action: ActionServiceCreate, want: ErrInvalidActor},
		{name: "unknown actor kind", actor: "user:1", org: org, object: ObjectService, action: ActionServiceCreate, want: ErrInvalidActor},
		{name: "blank operator id", actor: "operator: ", org: org, object: ObjectService, action: ActionServiceCreate, want: ErrInvalidActor},
		{name: "blank org", actor: "system", org: "", object: ObjectService, action: ActionServiceCreate, want: ErrInvalidOrganization},
		{name: "malformed org", actor: "operator:ops", org: "acme", object: ObjectService, action: ActionServiceCreate, want: ErrInvalidOrganization},
		{name: "blank object", actor: "system", org: org, object: "", action: ActionServiceCreate, want: ErrInvalidObject},
		{name: "blank action", actor: "system", org: org, object: ObjectService, action: "", want: ErrInvalidAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, env.svc.Authorize(env.ctx, tt.actor, tt.org, tt.object, tt.action), tt.want)
		})
	}

	require.ErrorIs(t, env.svc.AssignRole(env.ctx, env.orgID, "ops", "superuser"), ErrInvalidRole)
	require.ErrorIs(t, env.svc.AssignRole(env.ctx, 0, "ops", RoleAdmin), ErrInvalidOrganization)
	require.ErrorIs(t, env.svc.AssignRole(env.ctx, env.orgID, "", RoleAdmin), ErrInvalidActor)
}
