package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/splitkit/pkg/config"
	"github.com/dmitrymomot/splitkit/pkg/httpserver"
	"github.com/dmitrymomot/splitkit/pkg/pg"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/billing/pgstore"
	"github.com/dmitrymomot/splitkit/svc/billing/sqlitestore"
)

// storage is an opened billing store with its readiness check.
type storage struct {
	store billing.Store
	check httpserver.Check
	close func()
}

// openStorage connects the configured driver and, when migrate is set,
// brings the schema up to date.
func openStorage(ctx context.Context, cfg AppConfig, migrate bool, log *slog.Logger, opts ...config.Option) (*storage, error) {
	switch cfg.StorageDriver {
	case driverPostgres:
		pgCfg, err := loadPostgresConfig(opts...)
		if err != nil {
			return nil, err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := pgstore.Migrate(ctx, pool, log); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &storage{
			store: pgstore.New(pool),
			check: httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)},
			close: pool.Close,
		}, nil

	case driverSQLite:
		db, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := sqlitestore.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &storage{
			store: sqlitestore.New(db),
			check: httpserver.Check{Name: "sqlite", Fn: db.PingContext},
			close: func() { db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownStorageDriver, cfg.StorageDriver)
	}
}
