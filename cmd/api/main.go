package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/api/rest"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
	"github.com/davidleathers/auction-integrity-backend/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting auction integrity backend",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	provider, err := telemetry.InitializeOpenTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg, err := metrics.NewRegistry("auction-integrity")
	if err != nil {
		return fmt.Errorf("building metrics registry: %w", err)
	}

	stores, health, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	svc, err := service.NewServices(cfg, stores, reg, logger)
	if err != nil {
		return fmt.Errorf("wiring services: %w", err)
	}

	srv, err := rest.NewServer(rest.Config{
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.Security.RateLimit.BurstSize,
	}, rest.Dependencies{
		Bids:     svc.Coordinator,
		Chain:    svc.Ledger,
		Payments: svc.Payments,
		Auth:     rest.NewAuthenticator(cfg.Security.JWTSecret, cfg.Security.JWTIssuer),
		Metrics:  reg,
		Logger:   logger,
		Health:   health,
		Version:  cfg.Version,
	})
	if err != nil {
		return err
	}

	svc.Scheduler.Start(ctx)
	defer svc.Scheduler.Stop()

	return srv.Start(ctx)
}
