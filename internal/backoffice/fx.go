package backoffice

import "go.uber.org/fx"

var Module = fx.Module("backoffice",
	fx.Provide(NewService),
)
