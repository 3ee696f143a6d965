// Command verifier walks the whole audit chain once and exits non-zero when
// it is broken. It is meant for cron jobs and incident runbooks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitChainBad = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(exitFailure)
	}

	code := func() int {
		if cfg.Database.URL == "" {
			logger.Error("database.url is required")
			return exitFailure
		}
		db, err := database.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", zap.Error(err))
			return exitFailure
		}
		defer db.Close()
		return verify(ctx, database.NewChainRepository(db), cfg.Ledger, logger, os.Stdout)
	}()
	_ = logger.Sync()
	os.Exit(code)
}

// verify writes the verification result as JSON to out and returns the
// process exit code.
func verify(ctx context.Context, store ledger.Store, cfg ledgersvc.Config, logger *zap.Logger, out io.Writer) int {
	svc := ledgersvc.NewService(store, cfg, logger, nil)
	res, err := svc.VerifyChain(ctx)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			logger.Error("failed to write result", zap.Error(encErr))
		}
	}
	switch {
	case err == nil:
		logger.Info("chain verified", zap.Int64("checked", res.Checked), zap.String("tail_hash", res.TailHash))
		return exitOK
	case errors.IsType(err, errors.ErrorTypeIntegrity):
		logger.Error("chain integrity failure", zap.Error(err))
		return exitChainBad
	default:
		logger.Error("verification failed", zap.Error(err))
		return exitFailure
	}
}
