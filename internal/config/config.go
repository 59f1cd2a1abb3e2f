package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port string `yaml:"port" envconfig:"PORT"`

	DatabaseDriver string `yaml:"database_driver" envconfig:"DATABASE_DRIVER"`
	DatabaseURL    string `yaml:"database_url" envconfig:"DATABASE_URL"`
	RedisURL       string `yaml:"redis_url" envconfig:"REDIS_URL"`

	// APISecret signs verification requests; LicenseSecret keys code checksums.
	APISecret      string `yaml:"-" envconfig:"API_SECRET"`
	LicenseSecret  string `yaml:"-" envconfig:"LICENSE_SECRET"`
	AdminJWTSecret string `yaml:"-" envconfig:"ADMIN_JWT_SECRET"`

	SentryDSN   string `yaml:"sentry_dsn" envconfig:"SENTRY_DSN"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	VerifyRateLimit  int           `yaml:"verify_rate_limit" envconfig:"VERIFY_RATE_LIMIT"`
	VerifyRateWindow time.Duration `yaml:"verify_rate_window" envconfig:"VERIFY_RATE_WINDOW"`

	GeneralRateLimit  int           `yaml:"general_rate_limit" envconfig:"GENERAL_RATE_LIMIT"`
	GeneralRateWindow time.Duration `yaml:"general_rate_window" envconfig:"GENERAL_RATE_WINDOW"`

	SignatureMaxSkew time.Duration `yaml:"signature_max_skew" envconfig:"SIGNATURE_MAX_SKEW"`

	// ConsistencyInterval of zero disables the periodic checker; it still runs at startup.
	ConsistencyInterval time.Duration `yaml:"consistency_interval" envconfig:"CONSISTENCY_INTERVAL"`

	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

func defaults() Config {
	return Config{
		Port:              "3000",
		DatabaseDriver:    DriverSQLite,
		DatabaseURL:       "licenses.db",
		Environment:       "development",
		LogLevel:          "info",
		VerifyRateLimit:   5,
		VerifyRateWindow:  time.Minute,
		GeneralRateLimit:  100,
		GeneralRateWindow: 15 * time.Minute,
		SignatureMaxSkew:  5 * time.Minute,
		CORSOrigins:       []string{"*"},
		ShutdownTimeout:   15 * time.Second,
	}
}

// Load resolves configuration in order: defaults, then the YAML file at path
// when it exists, then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.APISecret == "" {
		return errors.New("API_SECRET environment variable is required")
	}
	if c.LicenseSecret == "" {
		return errors.New("LICENSE_SECRET environment variable is required")
	}

	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if c.VerifyRateLimit < 1 || c.VerifyRateWindow <= 0 {
		return errors.New("verify rate limit and window must be positive")
	}
	if c.GeneralRateLimit < 1 || c.GeneralRateWindow <= 0 {
		return errors.New("general rate limit and window must be positive")
	}
	if c.SignatureMaxSkew <= 0 {
		return errors.New("SIGNATURE_MAX_SKEW must be positive")
	}
	return nil
}

// AdminEnabled reports whether the admin API should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminJWTSecret != ""
}
