package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/solarix/solarix/cmd/solarix/cli"
	"github.com/solarix/solarix/internal/app"
	"github.com/solarix/solarix/internal/certificate"
	"github.com/solarix/solarix/internal/commission"
	"github.com/solarix/solarix/internal/migrations"
	"github.com/solarix/solarix/internal/observability"
	"github.com/solarix/solarix/internal/platform/cache"
	"github.com/solarix/solarix/internal/platform/db"
	"github.com/solarix/solarix/internal/referral"
	"github.com/solarix/solarix/internal/shared"
	"github.com/solarix/solarix/internal/workflow"
	"github.com/solarix/solarix/jobs"
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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "migrate":
		if err := migrate(ctx, cfg, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	case "jobs":
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			logger.Error("init jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		code := jobsCLI.Command(ctx, cli.JobsOptions{Args: args})
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
		os.Exit(code)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (serve, migrate, jobs)\n", command)
		os.Exit(2)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", slog.Int("count", applied))
	return nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, certificate locks degrade to the conditional update", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	referralService := referral.NewService(referral.NewRepository(pool), auditLogger, logger)
	commissionService := commission.NewService(commission.NewRepository(pool), referralService, auditLogger, metrics, logger)

	pdfClient := certificate.NewClient(cfg.GotenbergURL, cfg.GotenbergTimeout)
	renderer, err := certificate.NewRenderer(pdfClient, cfg.CertificateStorageDir, cfg.CertificateBaseURL)
	if err != nil {
		return err
	}
	workflowService := workflow.NewService(workflow.NewRepository(pool), renderer, workflowOptions(redisClient, cfg, auditLogger, metrics, logger, loc))

	redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		return err
	}
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
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ReferralHandler:    referral.NewHandler(logger, referralService),
		CommissionHandler:  commission.NewHandler(logger, commissionService, jobClient),
		WorkflowHandler:    workflow.NewHandler(logger, workflowService),
		CertificateHandler: certificate.NewHandler(pdfClient, logger),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

// workflowOptions leaves the locker unset when redis is unreachable.
func workflowOptions(redisClient *redis.Client, cfg *app.Config, audit shared.AuditRecorder, metrics *observability.Metrics, logger *slog.Logger, loc *time.Location) workflow.Options {
	opts := workflow.Options{Audit: audit, Metrics: metrics, Logger: logger, Location: loc}
	if redisClient != nil {
		opts.Locker = cache.NewLocker(redisClient, cfg.CertificateLockTTL)
	}
	return opts
}
