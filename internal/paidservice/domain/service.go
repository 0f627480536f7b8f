package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/creditledger/internal/catalog/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

type Service interface {
	// Estimate reports whether the user can currently afford the service. It writes nothing.
	Estimate(ctx context.Context, userID, serviceName string) (*Estimate, error)
	// ChargeAndRecord debits the service cost and writes the usage record atomically.
	ChargeAndRecord(ctx context.Context, userID, serviceName string) (*ChargeResult, error)
	// Execute charges, then runs op. A failing op is not refunded.
	Execute(ctx context.Context, userID, serviceName string, op Operation, params map[string]any) (*ExecuteResult, error)
	// Run looks up the registered operation for serviceName and executes it.
	Run(ctx context.Context, userID, serviceName string, params map[string]any) (*ExecuteResult, error)
	Operations() []string
}

type Estimate struct {
	Service            string          `json:"service"`
	HasSufficientFunds bool            `json:"has_sufficient_funds"`
	Required           decimal.Decimal `json:"required"`
	Available          decimal.Decimal `json:"available"`
	Shortfall          decimal.Decimal `json:"shortfall"`
}

type ChargeResult struct {
	Service     *catalogdomain.PaidService
	UsageRecord *usagedomain.UsageRecord
	// Consumption is nil for zero-cost services.
	Consumption *creditdomain.ConsumeResult
}

type ExecuteResult struct {
	ChargeResult
	Output any
}

var (
	ErrOperationFailed        = errors.New("operation_failed_after_charge")
	ErrOperationNotRegistered = errors.New("operation_not_registered")
	ErrDuplicateOperation     = errors.New("operation_already_registered")
	ErrInvalidOperationName   = errors.New("invalid_operation_name")
	ErrNilOperation           = errors.New("operation_is_nil")
)

// OperationFailedError reports an operation that failed after its charge committed.
// The usage record and debit stay in place.
type OperationFailedError struct {
	Service       string
	UsageRecordID snowflake.ID
	BatchID       string
	Err           error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation %q failed after charge (usage record %s): %v", e.Service, e.UsageRecordID, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

func (e *OperationFailedError) Is(target error) bool {
	return target == ErrOperationFailed
}
