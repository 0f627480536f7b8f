package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewCatalogHolder,
		func(cfg Config) CreditsConfig { return cfg.Credits },
	),
)
