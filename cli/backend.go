package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkantrust/ikoot-checkin/backend/catalog"
	"github.com/arkantrust/ikoot-checkin/backend/config"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// openStore opens the backend selected by cfg. Postgres is migrated before
// use.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		return store.OpenBolt(cfg.DBPath)
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.SQLitePath)
	case config.DriverPostgres:
		if err := store.MigratePostgres(ctx, cfg.DatabaseURL, log); err != nil {
			return nil, err
		}
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.DriverRedis:
		return store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func loadCatalog(cfg *config.Config) (catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.CatalogPath)
}

// healthCheck returns the store's Ping, or nil when it has none.
func healthCheck(st store.Store) func(context.Context) error {
	if p, ok := st.(pinger); ok {
		return p.Ping
	}
	return nil
}
