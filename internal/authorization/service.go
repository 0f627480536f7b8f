package authorization

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Authorize checks that actor may perform action on object within orgID.
	// Actors are "system" or "operator:<id>".
	Authorize(ctx context.Context, actor string, orgID string, object string, action string) error
	AssignRole(ctx context.Context, orgID snowflake.ID, operatorID string, role string) error
}

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleViewer  = "viewer"
)

// OperatorRole binds a backoffice operator to a role within one organization.
type OperatorRole struct {
	OrgID      snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	OperatorID string       `gorm:"primaryKey;type:varchar(128)"`
	Role       string       `gorm:"type:varchar(32);not null"`
	CreatedAt  time.Time    `gorm:"not null"`
	UpdatedAt  time.Time    `gorm:"not null"`
}

func (OperatorRole) TableName() string { return "operator_roles" }

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidRole         = errors.New("invalid_role")
)
