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
	_ "time/tzdata"

	"github.com/solarix/solarix/internal/app"
	"github.com/solarix/solarix/internal/certificate"
	"github.com/solarix/solarix/internal/commission"
	jobmetrics "github.com/solarix/solarix/internal/jobs"
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
		slog.Default().Info("test mode detected, skipping worker startup")
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

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	auditLogger := shared.NewAuditLogger(pool)

	referralService := referral.NewService(referral.NewRepository(pool), auditLogger, logger)
	commissionService := commission.NewService(commission.NewRepository(pool), referralService, auditLogger, metrics, logger)

	renderer, err := certificate.NewRenderer(
		certificate.NewClient(cfg.GotenbergURL, cfg.GotenbergTimeout),
		cfg.CertificateStorageDir,
		cfg.CertificateBaseURL,
	)
	if err != nil {
		logger.Error("init certificate renderer", slog.Any("error", err))
		os.Exit(1)
	}
	workflowService := workflow.NewService(workflow.NewRepository(pool), renderer, workflow.Options{
		Locker:   cache.NewLocker(redisClient, cfg.CertificateLockTTL),
		Audit:    auditLogger,
		Metrics:  metrics,
		Logger:   logger,
		Location: loc,
	})

	commissionJob := jobs.NewCommissionDistributeJob(commissionService, logger, jobMetrics)
	sweepJob := jobs.NewCertificateSweepJob(workflowService, logger, jobMetrics)

	var cron []jobs.CronRegistration
	if cfg.CertificateSweepCron != "" {
		sweepTask, err := jobs.NewCertificateSweepTask(0)
		if err != nil {
			logger.Error("build certificate sweep task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CertificateSweepCron, Task: sweepTask})
	}

	redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCommissionDistribute, Handler: commissionJob.Handle},
			{Type: jobs.TaskCertificateSweep, Handler: sweepJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
		go func() {
			logger.Info("starting worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
