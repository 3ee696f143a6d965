package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	"github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/payments"
)

const (
	envPrefix = "AIB_"
	// DefaultPath is read when AIB_CONFIG_FILE is unset. A missing file is not an error.
	DefaultPath = "configs/config.yaml"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig     `koanf:"server"`
	Database  DatabaseConfig   `koanf:"database"`
	Redis     RedisConfig      `koanf:"redis"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	Security  SecurityConfig   `koanf:"security"`
	Scheduler SchedulerConfig  `koanf:"scheduler"`

	Bidding   BiddingConfig    `koanf:"bidding"`
	Detection detection.Config `koanf:"detection"`
	Ledger    ledger.Config    `koanf:"ledger"`
	Payments  payments.Config  `koanf:"payments"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig selects Postgres storage when URL is set; otherwise the
// in-process stores are used.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type RedisConfig struct {
	URL       string `koanf:"url"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
	// ChallengeSecret keys the HMAC proof tokens minted by the challenge front end.
	ChallengeSecret string          `koanf:"challenge_secret"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	BurstSize         int     `koanf:"burst_size"`
}

type SchedulerConfig struct {
	Tick       time.Duration `koanf:"tick"`
	RunTimeout time.Duration `koanf:"run_timeout"`
}

type BiddingConfig struct {
	LockTimeout time.Duration      `koanf:"lock_timeout"`
	Escalation  enforcement.Policy `koanf:"escalation"`
}

func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		Redis:     RedisConfig{KeyPrefix: "aib:velocity:"},
		Telemetry: telemetry.DefaultConfig(),
		Security: SecurityConfig{
			JWTIssuer: "auction-integrity",
			RateLimit: RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200},
		},
		Scheduler: SchedulerConfig{Tick: time.Second, RunTimeout: 5 * time.Minute},
		Bidding: BiddingConfig{
			LockTimeout: 2 * time.Second,
			Escalation:  enforcement.DefaultPolicy(),
		},
		Detection: detection.DefaultConfig(),
		Ledger:    ledger.DefaultConfig(),
		Payments:  payments.DefaultConfig(),
	}
}

// Load layers struct defaults, the optional YAML file and AIB_ environment
// variables. A double underscore separates nesting levels, so
// AIB_LEDGER__VERIFY_INTERVAL sets ledger.verify_interval.
func Load() (*Config, error) {
	path := os.Getenv(envPrefix + "CONFIG_FILE")
	if path == "" {
		path = DefaultPath
	}
	return LoadFrom(path)
}

func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Telemetry.Environment = cfg.Environment

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if key == "config_file" {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1")
	}
	if c.Security.RateLimit.RequestsPerSecond <= 0 || c.Security.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("security.rate_limit must be positive")
	}
	if c.IsProduction() {
		if c.Security.JWTSecret == "" {
			return fmt.Errorf("security.jwt_secret is required in production")
		}
		if c.Security.ChallengeSecret == "" {
			return fmt.Errorf("security.challenge_secret is required in production")
		}
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Bidding.LockTimeout <= 0 {
		return fmt.Errorf("bidding.lock_timeout must be positive")
	}
	if err := validatePolicy(c.Bidding.Escalation); err != nil {
		return err
	}
	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if c.Ledger.AppendTimeout <= 0 || c.Ledger.VerifyBatchSize <= 0 {
		return fmt.Errorf("ledger.append_timeout and ledger.verify_batch_size must be positive")
	}
	if c.Ledger.VerifyInterval < 0 || c.Payments.ReconcileInterval < 0 {
		return fmt.Errorf("job intervals cannot be negative")
	}
	if c.Payments.StaleAfter <= 0 {
		return fmt.Errorf("payments.stale_after must be positive")
	}
	return nil
}

func validatePolicy(p enforcement.Policy) error {
	switch {
	case p.SuspendAfter < 1:
		return fmt.Errorf("bidding.escalation.suspend_after must be at least 1")
	case p.CooldownBase <= 0 || p.CooldownMax < p.CooldownBase || p.CooldownStep < 0:
		return fmt.Errorf("bidding.escalation cooldowns must satisfy 0 < base <= max")
	case p.ChallengeTTL <= 0:
		return fmt.Errorf("bidding.escalation.challenge_ttl must be positive")
	case p.SoftRepeatLimit < 1 || p.SoftRepeatWindow <= 0 || p.SoftEscalationFactor < 1:
		return fmt.Errorf("bidding.escalation soft repeat settings must be positive")
	case p.LockTimeout <= 0:
		return fmt.Errorf("bidding.escalation.lock_timeout must be positive")
	}
	return nil
}
