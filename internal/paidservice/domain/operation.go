package domain

import "context"

// Operation is the work a paid service performs once it has been charged for.
type Operation interface {
	Execute(ctx context.Context, userID string, params map[string]any) (any, error)
}

// OperationFunc adapts a plain function to Operation.
type OperationFunc func(ctx context.Context, userID string, params map[string]any) (any, error)

func (f OperationFunc) Execute(ctx context.Context, userID string, params map[string]any) (any, error) {
	return f(ctx, userID, params)
}

// NamedOperation is contributed to the "paid_operations" fx group. Name is the
// catalog slug the operation answers to.
type NamedOperation struct {
	Name      string
	Operation Operation
}
