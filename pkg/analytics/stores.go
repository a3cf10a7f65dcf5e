package analytics

import (
	"context"
	"fmt"

	"pulse/internal/platform/config"
	pulseredis "pulse/internal/platform/redis"
	"pulse/internal/platform/sqlite"
	"pulse/internal/storage"
)

type stores struct {
	durable storage.Store
	session storage.Store
	health  func(ctx context.Context) error
	close   func() error
}

// openStores builds the durable and session-scoped stores for cfg.Driver.
func openStores(ctx context.Context, cfg config.Storage) (stores, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "", "memory":
		return stores{
			durable: storage.NewInMemory(),
			session: storage.NewInMemory(storage.WithMemoryTTL(cfg.SessionTTL)),
			close:   noop,
		}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite store: %w", err)
		}
		durable, err := storage.NewSQLite(ctx, db)
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		session, err := storage.NewSQLite(ctx, db, storage.WithSQLiteTTL(cfg.SessionTTL))
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		return stores{durable: durable, session: session, health: db.PingContext, close: db.Close}, nil

	case "redis":
		client, err := pulseredis.New(ctx, pulseredis.Config{URL: cfg.RedisURL})
		if err != nil {
			return stores{}, fmt.Errorf("open redis store: %w", err)
		}
		return stores{
			durable: storage.NewRedis(client.Client),
			session: storage.NewRedis(client.Client, storage.WithRedisTTL(cfg.SessionTTL)),
			health:  client.Health,
			close:   client.Close,
		}, nil
	}
	return stores{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
