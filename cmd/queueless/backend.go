package main

import (
	"context"
	"fmt"

	"queueless/internal/config"
	"queueless/internal/queue"
	"queueless/internal/store"
	"queueless/internal/store/postgres"
	"queueless/internal/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type backend struct {
	store store.QueueStore
	pool  *pgxpool.Pool
	close func()
}

// openStore connects to the configured database. SQLite databases get their
// schema on open; PostgreSQL needs the migrate command first.
func openStore(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return &backend{store: postgres.NewStore(pool), pool: pool, close: pool.Close}, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return &backend{store: st, close: func() { _ = st.Close() }}, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

func newService(b *backend, notifier queue.Notifier, logger logrus.FieldLogger) *queue.Service {
	return queue.NewService(b.store, queue.Options{
		Notifier: notifier,
		Logger:   logger.WithField("component", "queue"),
	})
}
