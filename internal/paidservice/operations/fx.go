package operations

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/paidservice/domain"
	"go.uber.org/fx"
)

// Echo returns its params unchanged. It backs the zero-cost demo service.
func Echo(_ context.Context, userID string, params map[string]any) (any, error) {
	return map[string]any{"user_id": userID, "echo": params}, nil
}

func named(name string, fn domain.OperationFunc) func() domain.NamedOperation {
	return func() domain.NamedOperation {
		return domain.NamedOperation{Name: name, Operation: fn}
	}
}

var Module = fx.Module("paidservice.operations",
	fx.Provide(
		fx.Annotate(named("text-keyword-extractor", ExtractKeywords), fx.ResultTags(`group:"paid_operations"`)),
		fx.Annotate(named("text-sentiment-analysis", AnalyzeSentiment), fx.ResultTags(`group:"paid_operations"`)),
		fx.Annotate(named("data-validator", ValidateData), fx.ResultTags(`group:"paid_operations"`)),
		fx.Annotate(named("demo-free-service", Echo), fx.ResultTags(`group:"paid_operations"`)),
	),
)
