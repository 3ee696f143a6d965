package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
)

var errUsage = errors.New("usage")

type options struct {
	action      string
	steps       int
	databaseURL string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.action, "action", "up", "Migration action: up, down, version")
	fs.IntVar(&opts.steps, "steps", 0, "Number of migrations to apply or roll back (0 = all)")
	fs.StringVar(&opts.databaseURL, "database", "", "Postgres URL (defaults to database.url from config)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	switch opts.action {
	case "up", "down", "version":
	default:
		return opts, fmt.Errorf("%w: unknown action %q", errUsage, opts.action)
	}
	if opts.steps < 0 {
		return opts, fmt.Errorf("%w: steps must not be negative", errUsage)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

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

	if opts.databaseURL == "" {
		opts.databaseURL = cfg.Database.URL
	}
	if err := run(opts, logger); err != nil {
		logger.Error("migration failed", zap.String("action", opts.action), zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, logger *zap.Logger) error {
	if opts.databaseURL == "" {
		return errors.New("database url is required")
	}
	m, err := database.NewMigrator(opts.databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	switch opts.action {
	case "up":
		return m.Up(opts.steps)
	case "down":
		return m.Down(opts.steps)
	default:
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		return nil
	}
}
