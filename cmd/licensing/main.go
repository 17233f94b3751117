package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/vendorhub/licensing/internal/access"
	"github.com/vendorhub/licensing/internal/app"
	"github.com/vendorhub/licensing/internal/audit"
	audithttp "github.com/vendorhub/licensing/internal/audit/http"
	"github.com/vendorhub/licensing/internal/auth"
	"github.com/vendorhub/licensing/internal/licensing"
	"github.com/vendorhub/licensing/internal/observability"
	"github.com/vendorhub/licensing/internal/platform/db"
	"github.com/vendorhub/licensing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
		logger.Error("licensing server", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	sink := audit.NewSlogSink(logger.With(slog.String("component", "access-audit")), cfg.AuditSinkBuffer)
	metrics.TrackSinkDrops(sink.Dropped)
	accessLog := audit.NewLog(cfg.AuditCapacity, sink, audit.Options{Observer: metrics, Logger: logger})
	guard := access.NewGuard(accessLog)

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	authService := auth.NewService(auth.NewRepository(pool), tokens)

	licenseService := licensing.NewService(licensing.NewRepository(pool), jobClient, licensing.ServiceConfig{
		Logger:   logger,
		Observer: metrics,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Tokens:           tokens,
		Guard:            guard,
		AuthHandler:      auth.NewHandler(logger, authService),
		LicensingHandler: licensing.NewHandler(logger, licenseService, guard),
		AuditHandler:     audithttp.NewHandler(logger, accessLog),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		if err := sink.Close(shutdownCtx); err != nil {
			logger.Warn("audit sink close", slog.Any("error", err))
		}
		return nil
	})
	return g.Wait()
}
