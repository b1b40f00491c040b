package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/config"
	"catalog-cost-service/internal/costprice"
	"catalog-cost-service/internal/docstore"
	"catalog-cost-service/internal/jobs"
	"catalog-cost-service/internal/lock"
	"catalog-cost-service/internal/logging"
	"catalog-cost-service/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: No .env file found or failed to load, relying on system environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}
	logger, err := logging.New(logging.Options{Mode: cfg.AppEnv, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("FATAL: Error building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", "CatalogCostWorker"))

	if !cfg.Redis.Enabled() {
		logger.Fatal("REDIS_ADDR is required by the worker")
	}

	docs, err := docstore.Open(ctx, cfg.Store.Driver, cfg.Postgres.DSN(), logger.Named("docstore"))
	if err != nil {
		logger.Fatal("failed to open document store", zap.Error(err))
	}
	defer func() { _ = docs.Close() }()

	redisClient, err := lock.NewClient(ctx, cfg.Redis.Addr)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	writer := batch.NewWriter(docs, batch.Config{
		MaxRetries: cfg.Batch.MaxRetries,
		BaseDelay:  cfg.Batch.BaseDelay,
	}, logger.Named("batch"))
	catalog := store.NewCatalogStore(docs, writer)
	service := costprice.NewService(catalog, writer, lock.NewRedis(redisClient), costprice.Config{
		Resolver: costprice.ResolverConfig{FetchConcurrency: cfg.Resolve.FetchConcurrency},
		Migrator: costprice.MigratorConfig{LockTTL: cfg.Migration.LockTTL},
	}, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.Redis.Addr}
	jobClient := jobs.NewClient(redisOpts, cfg.Worker.Queue)
	defer func() { _ = jobClient.Close() }()

	migrationJob := jobs.NewMigrationJob(service, jobClient, cfg.Worker.Queue, logger.Named("jobs"))
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.Worker.Concurrency,
		Queue:       cfg.Worker.Queue,
		Handlers:    migrationJob.Handlers(),
	})
	if err != nil {
		logger.Fatal("init worker", zap.Error(err))
	}

	logger.Info("worker started", zap.String("queue", cfg.Worker.Queue), zap.Int("concurrency", cfg.Worker.Concurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker run", zap.Error(err))
	}
}
