package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"catalog-cost-service/internal/api"
	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/config"
	"catalog-cost-service/internal/costprice"
	"catalog-cost-service/internal/docstore"
	"catalog-cost-service/internal/jobs"
	"catalog-cost-service/internal/lock"
	"catalog-cost-service/internal/logging"
	"catalog-cost-service/internal/store"
)

const (
	defaultAppName = "CatalogCostService"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: No .env file found or failed to load, relying on system environment")
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{Mode: cfg.AppEnv, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("FATAL: Error building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	logger = logger.With(zap.String("service", defaultAppName))
	logger.Info("configuration loaded", zap.String("app_env", cfg.AppEnv), zap.String("store_driver", cfg.Store.Driver))

	ctx := context.Background()

	// --- Document Store ---
	docs, err := docstore.Open(ctx, cfg.Store.Driver, cfg.Postgres.DSN(), logger.Named("docstore"))
	if err != nil {
		logger.Fatal("failed to open document store", zap.Error(err))
	}

	writer := batch.NewWriter(docs, batch.Config{
		MaxRetries: cfg.Batch.MaxRetries,
		BaseDelay:  cfg.Batch.BaseDelay,
	}, logger.Named("batch"))
	catalog := store.NewCatalogStore(docs, writer)

	// --- Optional Redis: migration lock and job queue ---
	var (
		locker      costprice.Locker
		enqueuer    api.MigrationEnqueuer
		redisClient *redis.Client
		jobClient   *jobs.Client
	)
	if cfg.Redis.Enabled() {
		redisClient, err = lock.NewClient(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		locker = lock.NewRedis(redisClient)
		jobClient = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr}, cfg.Worker.Queue)
		enqueuer = jobClient
		logger.Info("redis configured, migration lock and background jobs enabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("REDIS_ADDR not set, concurrent migrations of a category are not serialised")
	}

	service := costprice.NewService(catalog, writer, locker, costprice.Config{
		Resolver: costprice.ResolverConfig{FetchConcurrency: cfg.Resolve.FetchConcurrency},
		Migrator: costprice.MigratorConfig{LockTTL: cfg.Migration.LockTTL},
	}, logger)

	// --- Initialize API Handlers ---
	httpAPIHandler := api.NewHTTPHandler(service, enqueuer, api.HTTPConfig{
		MigrationRateLimit: cfg.Migration.RateLimit,
	}, logger.Named("http"))
	grpcAPIHandler := api.NewGRPCHandler(service, logger.Named("grpc"))

	// --- Setup & Start HTTP Server ---
	httpRouter := chi.NewRouter()
	setupBaseMiddleware(httpRouter, logger)
	registerHealthCheck(httpRouter, logger, docs)
	httpAPIHandler.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HttpServer.Port,
		Handler:      httpRouter,
		ReadTimeout:  cfg.HttpServer.TimeoutRead,
		WriteTimeout: cfg.HttpServer.TimeoutWrite,
		IdleTimeout:  cfg.HttpServer.TimeoutIdle,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.HttpServer.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server ListenAndServe error", zap.Error(err))
		}
		logger.Info("HTTP server has stopped")
	}()

	// --- Setup & Start gRPC Server ---
	grpcServer := setupGRPCServer(logger, grpcAPIHandler)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GrpcServer.Port)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.String("port", cfg.GrpcServer.Port), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("port", cfg.GrpcServer.Port))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("gRPC server Serve error", zap.Error(err))
		}
		logger.Info("gRPC server has stopped")
	}()

	// --- Graceful Shutdown ---
	closers := []namedCloser{{"document store", docs}}
	if jobClient != nil {
		closers = append(closers, namedCloser{"job client", jobClient})
	}
	if redisClient != nil {
		closers = append(closers, namedCloser{"redis", redisClient})
	}

	shutdownComplete := make(chan struct{})
	go waitForShutdown(logger, httpServer, grpcServer, closers, shutdownComplete)

	<-shutdownComplete
	logger.Info("service shutdown sequence finished")
}

type namedCloser struct {
	name   string
	closer interface{ Close() error }
}

func setupBaseMiddleware(router *chi.Mux, logger *zap.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger.Named("access")))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	logger.Debug("base HTTP middleware registered")
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func registerHealthCheck(router *chi.Mux, logger *zap.Logger, docs docstore.Store) {
	healthPath := "/api/v1/healthz"
	router.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		storeStatus := "healthy"
		code := http.StatusOK
		if err := docs.Ping(ctx); err != nil {
			storeStatus = "unhealthy"
			code = http.StatusServiceUnavailable
			logger.Warn("health check store ping failed", zap.Error(err))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      storeStatus,
			"serviceName": defaultAppName,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"store":       storeStatus,
		})
	})
	logger.Debug("HTTP health check registered", zap.String("path", healthPath))
}

func setupGRPCServer(logger *zap.Logger, grpcAPIHandler *api.GRPCHandler) *grpc.Server {
	s := grpc.NewServer()

	api.RegisterCostServiceServer(s, grpcAPIHandler)
	logger.Debug("CostService gRPC service registered")

	grpc_health_v1.RegisterHealthServer(s, health.NewServer())
	reflection.Register(s)

	return s
}

func waitForShutdown(
	logger *zap.Logger,
	httpServer *http.Server,
	grpcServer *grpc.Server,
	closers []namedCloser,
	shutdownComplete chan struct{},
) {
	defer close(shutdownComplete)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	receivedSignal := <-sigChan
	logger.Info("received signal, starting graceful shutdown", zap.String("signal", receivedSignal.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	stoppedGrpc := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedGrpc)
	}()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		logger.Info("HTTP server gracefully shut down")
	}

	select {
	case <-stoppedGrpc:
		logger.Info("gRPC server gracefully shut down")
	case <-shutdownCtx.Done():
		logger.Warn("gRPC server graceful shutdown timed out, forcing stop", zap.Error(shutdownCtx.Err()))
		grpcServer.Stop()
	}

	for _, c := range closers {
		if err := c.closer.Close(); err != nil {
			logger.Warn("error closing resource", zap.String("resource", c.name), zap.Error(err))
		}
	}

	logger.Info("graceful shutdown sequence completed")
}
