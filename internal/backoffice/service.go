package backoffice

import (
	"context"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/creditledger/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// Service exposes the administrative operations. Every call authorizes the
// actor stored in the context and leaves an audit trail.
type Service interface {
	GrantCredits(ctx context.Context, req AdminGrantRequest) (*ledgerdomain.LedgerEntry, error)
	CreateService(ctx context.Context, req catalogdomain.CreateRequest) (*catalogdomain.PaidService, error)
	UpdateService(ctx context.Context, req catalogdomain.UpdateRequest) (*catalogdomain.PaidService, error)
	DeactivateService(ctx context.Context, id string) (*catalogdomain.PaidService, error)
	ListAuditLogs(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error)
}

type AdminGrantRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reason      string          `json:"reason"`
}
