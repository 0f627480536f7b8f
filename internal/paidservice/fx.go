package paidservice

import (
	"github.com/smallbiznis/creditledger/internal/paidservice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paidservice.service",
	fx.Provide(service.ProvideRegistry),
	fx.Provide(service.NewService),
)
