package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"product-query-service/internal/api"
	"product-query-service/internal/config"
	"product-query-service/internal/docstore"
	"product-query-service/internal/importer"
	"product-query-service/internal/ingest"
	"product-query-service/internal/query"
	"product-query-service/internal/store"
	"product-query-service/internal/tags"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultAppName = "ProductQueryService"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: No .env file found or failed to load, relying on system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Error building logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting service",
		zap.String("app_env", cfg.AppEnv),
		zap.String("log_level", cfg.LogLevel))

	// --- Relational mirror ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		logger.Fatal("failed to initialize database connection", zap.Error(err))
	}
	defer db.Close()

	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	schema := tags.DefaultSchema()
	if err := store.EnsureSchema(context.Background(), db, schema); err != nil {
		logger.Fatal("failed to ensure database schema", zap.Error(err))
	}
	logger.Info("database connection established")

	dbStore := store.NewPostgresStore(db, schema)
	registry := tags.NewRegistry(dbStore)
	if err := registry.Refresh(context.Background()); err != nil {
		logger.Warn("initial loaded-tag refresh failed, will retry lazily", zap.Error(err))
	}

	// --- Canonical document store ---
	docs, err := docstore.Connect(
		cfg.DocStore.URL,
		cfg.DocStore.User,
		cfg.DocStore.Password,
		cfg.DocStore.Namespace,
		cfg.DocStore.Database,
		cfg.DocStore.Table,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to connect to document store", zap.Error(err))
	}
	defer docs.Close()
	logger.Info("document store connection established", zap.String("url", cfg.DocStore.URL))

	// --- Core components ---
	engine := query.NewEngine(db, schema, registry, docs, logger)
	imp := importer.New(dbStore, docs, schema, registry, logger, cfg.Importer.PageSize)
	ingestor := ingest.NewIngestor(dbStore, imp, logger)

	// --- Event stream consumer ---
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumer := ingest.NewStreamConsumer(rdb, ingestor, logger,
		cfg.Redis.Stream, cfg.Redis.Group, cfg.Redis.Consumer,
		cfg.Redis.BatchSize, cfg.Redis.Block)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stream consumer stopped", zap.Error(err))
		}
	}()

	// --- HTTP server ---
	httpAPIHandler := api.NewHTTPHandler(engine, imp, dbStore, logger)

	httpRouter := chi.NewRouter()
	setupBaseMiddleware(httpRouter, logger)
	registerHealthCheck(httpRouter, logger, db)
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
	}()

	// --- Graceful shutdown ---
	shutdownComplete := make(chan struct{})
	go waitForShutdown(logger, httpServer, stopConsumer, consumerDone, shutdownComplete)

	<-shutdownComplete
	logger.Info("service shutdown sequence finished")
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return zapCfg.Build()
}

func setupBaseMiddleware(router *chi.Mux, logger *zap.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	logger.Info("base HTTP middleware registered")
}

func registerHealthCheck(router *chi.Mux, logger *zap.Logger, db *sql.DB) {
	healthPath := "/api/v1/healthz"
	router.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbStatus := "healthy"
		if err := db.PingContext(ctx); err != nil {
			dbStatus = "unhealthy"
			logger.Warn("health check DB ping failed", zap.Error(err))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"serviceName": defaultAppName,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"database":    dbStatus,
		})
	})
	logger.Info("HTTP health check registered", zap.String("path", healthPath))
}

func waitForShutdown(
	logger *zap.Logger,
	httpServer *http.Server,
	stopConsumer context.CancelFunc,
	consumerDone chan struct{},
	shutdownComplete chan struct{},
) {
	defer close(shutdownComplete)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-sigChan
	logger.Info("received signal, starting graceful shutdown", zap.String("signal", receivedSignal.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop the stream consumer first so no new ingestion work starts while the
	// HTTP server drains.
	stopConsumer()
	select {
	case <-consumerDone:
		logger.Info("stream consumer stopped")
	case <-shutdownCtx.Done():
		logger.Warn("stream consumer shutdown timed out", zap.Error(shutdownCtx.Err()))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		logger.Info("HTTP server gracefully shut down")
	}

	logger.Info("graceful shutdown sequence completed")
}
