package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licensegate.app/cloud/handlers"
	"licensegate.app/cloud/internal/auth"
	"licensegate.app/cloud/internal/config"
	"licensegate.app/cloud/internal/consistency"
	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/verification"
	"licensegate.app/cloud/storage"
)

// app owns everything main starts and must close.
type app struct {
	cfg       *config.Config
	store     storage.Storage
	redis     *redis.Client
	server    *handlers.Server
	scheduler *consistency.Scheduler
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.DatabaseURL)
	case config.DriverPostgres:
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL)
	case config.DriverMemory:
		logger.Warn("Using in-memory license store, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

func newApp(ctx context.Context, cfg *config.Config, ver string) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	var failureStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
		failureStore = ratelimit.NewRedisStore(client)
		logger.Info("Verification failure budget shared through Redis")
	}

	m := metrics.New()
	checker := consistency.NewChecker(store, m)
	a.scheduler = consistency.NewScheduler(checker, cfg.ConsistencyInterval)

	opts := handlers.Options{
		APISecret:        cfg.APISecret,
		SignatureMaxSkew: cfg.SignatureMaxSkew,
		Version:          ver,
		CORSOrigins:      cfg.CORSOrigins,
		GeneralLimit:     ratelimit.New(cfg.GeneralRateLimit, cfg.GeneralRateWindow),
		Failures:         ratelimit.NewFailureLimiter(failureStore, cfg.VerifyRateLimit, cfg.VerifyRateWindow),
		Verifier:         verification.NewService(store, m),
		Checker:          checker,
		Generator:        licensecode.NewGenerator(cfg.LicenseSecret),
		Metrics:          m,
	}
	if cfg.AdminEnabled() {
		opts.Auth = auth.New(cfg.AdminJWTSecret)
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set, admin API disabled")
	}
	a.server = handlers.NewHttpServer(store, opts)
	return a, nil
}

func (a *app) Close() error {
	var result *multierror.Error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// serve runs the HTTP server and the consistency scheduler until ctx is done,
// then drains in-flight requests.
func (a *app) serve(ctx context.Context) error {
	report := a.scheduler.RunOnce(ctx)
	if report != nil {
		logger.Info("Startup consistency check finished", map[string]interface{}{
			"scanned":  report.Scanned,
			"repaired": len(report.Repaired),
			"skipped":  len(report.Skipped),
		})
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.server.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("License server listening", map[string]interface{}{
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down license server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
