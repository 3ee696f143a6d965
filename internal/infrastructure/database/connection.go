package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
)

// DB is the shared pgx pool behind every repository. Calls go through a
// circuit breaker that only counts connection-level failures; a query the
// server answered with an error still proves the server is up.
type DB struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	configurePool(poolCfg, cfg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return FromPool(pool, logger), nil
}

// FromPool wraps an existing pool.
func FromPool(pool *pgxpool.Pool, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := &DB{pool: pool, logger: logger.Named("database")}
	db.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 10
		},
		IsSuccessful: serverAnswered,
		OnStateChange: func(name string, from, to gobreaker.State) {
			db.logger.Warn("database circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return db
}

func configurePool(p *pgxpool.Config, cfg config.DatabaseConfig) {
	p.MaxConns = 25
	if cfg.MaxConns > 0 {
		p.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= p.MaxConns {
		p.MinConns = cfg.MinConns
	}
	p.MaxConnLifetime = 30 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		p.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	p.MaxConnIdleTime = 10 * time.Minute
	if cfg.ConnMaxIdleTime > 0 {
		p.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	p.HealthCheckPeriod = time.Minute
	p.ConnConfig.ConnectTimeout = 5 * time.Second
	p.ConnConfig.RuntimeParams["application_name"] = "auction_integrity"
	p.ConnConfig.RuntimeParams["timezone"] = "UTC"
	p.ConnConfig.RuntimeParams["lock_timeout"] = "10s"
	p.ConnConfig.RuntimeParams["statement_timeout"] = "30s"
	p.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60s"
}

// serverAnswered reports whether err left the connection healthy. Domain
// errors raised inside a transaction count as answered.
func serverAnswered(err error) bool {
	if err == nil || stderrors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	var appErr *errors.AppError
	return stderrors.As(err, &pgErr) || stderrors.As(err, &appErr)
}

func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// run executes fn through the breaker.
func (db *DB) run(fn func() error) error {
	_, err := db.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// tx runs fn in one transaction through the breaker.
func (db *DB) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.run(func() error {
		return pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{}, fn)
	})
}

// Health pings the primary.
func (db *DB) Health(ctx context.Context) error {
	return db.run(func() error { return db.pool.Ping(ctx) })
}

func (db *DB) BreakerState() gobreaker.State { return db.breaker.State() }

func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("database pool closed")
}
