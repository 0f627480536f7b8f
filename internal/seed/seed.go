package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/creditledger/internal/catalog/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result counts what EnsureCatalog changed.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
}

// EnsureCatalog upserts the configured services into orgID. Services are matched
// by name, case-insensitively. Services missing from cfg are left untouched.
func EnsureCatalog(ctx context.Context, catalog catalogdomain.Service, orgID snowflake.ID, cfg config.CatalogConfig) (Result, error) {
	var res Result
	if catalog == nil {
		return res, errors.New("seed catalog service is required")
	}
	if orgID == 0 {
		return res, catalogdomain.ErrInvalidOrganization
	}

	ctx = orgcontext.WithOrgID(ctx, int64(orgID))
	ctx = orgcontext.WithActor(ctx, orgcontext.Actor{Type: orgcontext.ActorTypeSystem})

	for _, item := range cfg.Services {
		cost, err := decimal.NewFromString(strings.TrimSpace(item.CreditCost))
		if err != nil {
			return res, err
		}
		name := strings.TrimSpace(item.Name)
		description := strings.TrimSpace(item.Description)
		active := item.IsActive()

		existing, err := catalog.FindByName(ctx, name)
		if err != nil && !errors.Is(err, catalogdomain.ErrServiceNotFound) {
			return res, err
		}
		if existing == nil {
			if _, err := catalog.Create(ctx, catalogdomain.CreateRequest{
				Name:        name,
				Description: description,
				CreditCost:  cost,
				Active:      &active,
			}); err != nil {
				return res, err
			}
			res.Created++
			continue
		}

		if existing.CreditCostDecimal().Equal(cost) && existing.Description == description && existing.IsActive == active {
			res.Unchanged++
			continue
		}
		if _, err := catalog.Update(ctx, catalogdomain.UpdateRequest{
			ID:          existing.ID.String(),
			Description: &description,
			CreditCost:  &cost,
			Active:      &active,
		}); err != nil {
			return res, err
		}
		res.Updated++
	}
	return res, nil
}

type catalogSeedParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Holder    *config.CatalogHolder
	Catalog   catalogdomain.Service
	Log       *zap.Logger
}

func registerCatalogSeed(p catalogSeedParams) {
	if !p.Config.SeedCatalog {
		return
	}
	log := p.Log.Named("seed")
	if p.Config.DefaultOrgID == 0 {
		log.Warn("catalog seed skipped, DEFAULT_ORG is not set")
		return
	}

	orgID := snowflake.ID(p.Config.DefaultOrgID)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			res, err := EnsureCatalog(ctx, p.Catalog, orgID, p.Holder.Get())
			if err != nil {
				return err
			}
			logResult(log, "catalog seeded", orgID, res)
			WatchCatalog(p.Holder, p.Catalog, orgID, log)
			return nil
		},
	})
}

// WatchCatalog re-applies the catalog to orgID after every reload accepted by holder.
func WatchCatalog(holder *config.CatalogHolder, catalog catalogdomain.Service, orgID snowflake.ID, log *zap.Logger) {
	holder.OnChange(func(cfg config.CatalogConfig) {
		res, err := EnsureCatalog(context.Background(), catalog, orgID, cfg)
		if err != nil {
			log.Error("catalog reseed failed", zap.String("org_id", orgID.String()), zap.Error(err))
			return
		}
		logResult(log, "catalog reseeded", orgID, res)
	})
}

func logResult(log *zap.Logger, msg string, orgID snowflake.ID, res Result) {
	log.Info(msg,
		zap.String("org_id", orgID.String()),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
	)
}

var Module = fx.Module("seed",
	fx.Invoke(registerCatalogSeed),
)
