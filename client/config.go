package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config controls how the client reaches the verification server. Zero
// durations and counts are replaced by defaults in New; a negative
// TransportRetries disables transport retries.
type Config struct {
	// URL is the server origin, without the /api prefix.
	URL       string `envconfig:"URL" default:"http://localhost:3000"`
	APISecret string `envconfig:"API_SECRET"`

	BaseTimeout      time.Duration `envconfig:"BASE_TIMEOUT" default:"8s"`
	TimeoutStep      time.Duration `envconfig:"TIMEOUT_STEP" default:"2s"`
	TransportRetries int           `envconfig:"TRANSPORT_RETRIES" default:"2"`
	RetryWait        time.Duration `envconfig:"RETRY_WAIT" default:"1s"`

	// MaxRetries bounds attempts when the server answers 429.
	MaxRetries  int           `envconfig:"MAX_RETRIES" default:"3"`
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax  time.Duration `envconfig:"BACKOFF_MAX" default:"10s"`

	DataDir    string `envconfig:"DATA_DIR"`
	AppVersion string `envconfig:"APP_VERSION" default:"dev"`
}

// ConfigFromEnv reads LICENSE_SERVER_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("LICENSE_SERVER", &cfg); err != nil {
		return Config{}, fmt.Errorf("load client config: %w", err)
	}
	if cfg.APISecret == "" {
		return Config{}, errors.New("LICENSE_SERVER_API_SECRET is required")
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "http://localhost:3000"
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 8 * time.Second
	}
	if c.TimeoutStep <= 0 {
		c.TimeoutStep = 2 * time.Second
	}
	switch {
	case c.TransportRetries == 0:
		c.TransportRetries = 2
	case c.TransportRetries < 0:
		c.TransportRetries = 0
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.AppVersion == "" {
		c.AppVersion = "dev"
	}
	return c
}

// Backoff is min(BackoffBase * 2^(attempt-1), BackoffMax). The client waits
// this long before every rate-limited attempt after the first.
func (c Config) Backoff(attempt int) time.Duration {
	wait := c.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(wait, c.BackoffMax)
}

// AttemptTimeout grows linearly with each transport retry.
func (c Config) AttemptTimeout(retry int) time.Duration {
	return c.BaseTimeout + time.Duration(retry)*c.TimeoutStep
}
