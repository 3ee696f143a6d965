package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/api/rest"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/cache"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	"github.com/davidleathers/auction-integrity-backend/internal/service"
)

// openStores picks Postgres when database.url is set and Redis velocity when
// redis.url is set. Everything else stays in process.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.Stores, []rest.HealthCheck, func(), error) {
	stores := service.MemoryStores()
	var health []rest.HealthCheck
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.URL == "" {
		logger.Warn("database.url is not set; using in-process stores")
	} else {
		if cfg.Database.MigrateOnStart {
			if err := migrateUp(cfg.Database.URL, logger); err != nil {
				return stores, nil, closeAll, err
			}
		}
		db, err := database.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return stores, nil, closeAll, fmt.Errorf("connecting to postgres: %w", err)
		}
		closers = append(closers, db.Close)

		stores.Auctions = database.NewAuctionRepository(db)
		stores.Accounts = database.NewAccountRepository(db)
		stores.Signals = database.NewSignalRepository(db)
		stores.Grants = database.NewGrantRepository(db)
		stores.Enforcement = database.NewEnforcementRepository(db)
		stores.Payments = database.NewPaymentRepository(db)
		stores.Chain = database.NewChainRepository(db)
		health = append(health, rest.HealthCheck{Name: "postgres", Check: db.Health})
	}

	if cfg.Redis.URL != "" {
		client, err := cache.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			closeAll()
			return stores, nil, func() {}, fmt.Errorf("connecting to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })

		stores.Velocity = cache.NewVelocityStore(client, cfg.Redis.KeyPrefix, cfg.Detection.MaxVelocityWindow(), logger)
		health = append(health, rest.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	return stores, health, closeAll, nil
}

func migrateUp(url string, logger *zap.Logger) error {
	m, err := database.NewMigrator(url, logger)
	if err != nil {
		return fmt.Errorf("opening migrator: %w", err)
	}
	defer func() { _ = m.Close() }()
	if err := m.Up(0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
