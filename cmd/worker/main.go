package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lendfolio/lendfolio/internal/amort"
	"github.com/lendfolio/lendfolio/internal/app"
	"github.com/lendfolio/lendfolio/internal/ledger"
	"github.com/lendfolio/lendfolio/internal/platform/db"
	"github.com/lendfolio/lendfolio/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	repo := ledger.NewRepository(pool)
	origination := ledger.NewOriginationRepository(pool)
	hierarchy := ledger.NewHierarchyRepository(pool)
	oracle := amort.NewClient(cfg.AmortURL)
	reportCache := ledger.NewCache(redisClient, cfg.ReportCacheTTL)
	ledgerService := ledger.NewService(repo, origination, oracle, hierarchy, reportCache)

	historyJob := jobs.NewHistoryRunJob(ledgerService, ledgerService, logger, cfg.HistoryWorkers)
	integrityJob := jobs.NewLedgerIntegrityJob(ledgerService, logger)

	var cron []jobs.CronRegistration
	if cfg.HistoryCron != "" {
		historyTask, err := jobs.NewHistoryRunTask(jobs.HistoryRunPayload{})
		if err != nil {
			logger.Error("build history task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron,
			jobs.CronRegistration{Spec: cfg.HistoryCron, Task: historyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			jobs.CronRegistration{Spec: "0 3 * * *", Task: jobs.NewLedgerIntegrityTask()},
		)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskHistoryRun, Handler: historyJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
