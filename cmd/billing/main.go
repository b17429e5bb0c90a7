package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/eddinos2/hyperzenof-sub000/internal/app"
	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	billinghttp "github.com/eddinos2/hyperzenof-sub000/internal/billing/http"
	"github.com/eddinos2/hyperzenof-sub000/internal/directory"
	"github.com/eddinos2/hyperzenof-sub000/internal/observability"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/cache"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/db"
	"github.com/eddinos2/hyperzenof-sub000/internal/shared"
	"github.com/eddinos2/hyperzenof-sub000/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("billing api", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	vat, err := cfg.VAT()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, MaxConnIdleTime: cfg.PGMaxIdleTime})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqOpts := redisOpts.AsynqOptions()
	jobClient := jobs.NewClient(asynqOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	service := billing.NewService(billing.NewPostgresRepository(pool), logger)
	service.SetVATRate(vat)
	service.SetNotifier(jobClient)
	service.SetObserver(metrics)

	actors := directory.New(directory.NewPostgresSource(pool), redisClient, cfg.ActorCacheTTL, logger)
	billingHandler := billinghttp.NewHandler(logger, service, shared.NewIdempotencyStore(pool))

	jobRouter := chi.NewRouter()
	jobs.NewHandler(inspector, logger).MountRoutes(jobRouter)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Metrics:         metrics,
		BillingHandler:  billingHandler,
		ActorMiddleware: actors.Middleware(cfg.ActorHeader),
		JobHandler:      jobRouter,
		Ready: func(r *http.Request) error {
			return pool.Ping(r.Context())
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  cfg.AppIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.AppShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
