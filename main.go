package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"licensegate.app/cloud/internal/auth"
	"licensegate.app/cloud/internal/config"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/version"
)

func main() {
	err := run(os.Args[1:], os.Stdout)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run starts the server, or prints an admin token when asked to. Failures
// are logged here so that main only has to pick the exit code.
func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("licensegate", flag.ContinueOnError)
	issueToken := fs.String("admin-token", "", "print an admin API token for the given subject and exit")
	tokenTTL := fs.Duration("admin-token-ttl", 12*time.Hour, "lifetime of the token printed by -admin-token")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ver := version.Resolve("VERSION")

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Invalid configuration", map[string]interface{}{
			"error": err,
		})
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if *issueToken != "" {
		return printAdminToken(cfg, *issueToken, *tokenTTL, stdout)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          ver,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			logger.Error("sentry.Init failed", map[string]interface{}{
				"error": err,
			})
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("License server starting", map[string]interface{}{
		"version":     ver,
		"environment": cfg.Environment,
		"driver":      cfg.DatabaseDriver,
		"port":        cfg.Port,
	})

	a, err := newApp(ctx, cfg, ver)
	if err != nil {
		logger.Error("Failed to start license server", map[string]interface{}{
			"error": err,
		})
		sentry.CaptureException(err)
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Error("Failed to release resources", map[string]interface{}{
				"error": cerr,
			})
		}
	}()

	if err := a.serve(ctx); err != nil {
		logger.Error("License server stopped with error", map[string]interface{}{
			"error": err,
		})
		sentry.CaptureException(err)
		return err
	}
	logger.Info("License server stopped")
	return nil
}

func printAdminToken(cfg *config.Config, subject string, ttl time.Duration, stdout io.Writer) error {
	if !cfg.AdminEnabled() {
		err := errors.New("ADMIN_JWT_SECRET is required to issue admin tokens")
		logger.Error(err.Error())
		return err
	}
	token, err := auth.New(cfg.AdminJWTSecret).Issue(subject, auth.RoleAdmin, ttl)
	if err != nil {
		logger.Error("Failed to issue admin token", map[string]interface{}{
			"error": err,
		})
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
