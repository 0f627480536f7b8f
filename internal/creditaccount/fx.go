package creditaccount

import (
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/creditaccount/lock"
	"github.com/smallbiznis/creditledger/internal/creditaccount/repository"
	"github.com/smallbiznis/creditledger/internal/creditaccount/service"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("creditaccount.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideLocker),
	fx.Provide(service.NewService),
)

type lockerParams struct {
	fx.In

	Config config.CreditsConfig
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// provideLocker uses the redis lock when a client is wired, else the in-process mutex.
func provideLocker(p lockerParams) lock.Locker {
	if p.Redis != nil {
		p.Log.Info("account lock backend", zap.String("backend", "redis"))
		return lock.NewRedisLocker(p.Redis, p.Config.LockTTL)
	}
	p.Log.Info("account lock backend", zap.String("backend", "local"))
	return lock.NewLocalLocker()
}
