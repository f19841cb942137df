package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/puppet4/tkp-platform/config"
	"github.com/puppet4/tkp-platform/internal/repositories/audit"
	"github.com/puppet4/tkp-platform/internal/repositories/chunk"
	"github.com/puppet4/tkp-platform/internal/repositories/document"
	"github.com/puppet4/tkp-platform/internal/repositories/job"
	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/embedding"
	"github.com/puppet4/tkp-platform/pkg/events"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/kafka"
	"github.com/puppet4/tkp-platform/pkg/queue"
	redispkg "github.com/puppet4/tkp-platform/pkg/redis"
	"github.com/puppet4/tkp-platform/pkg/routes/health"
	"github.com/puppet4/tkp-platform/pkg/storage"
	"github.com/puppet4/tkp-platform/pkg/tracing"
	"github.com/puppet4/tkp-platform/pkg/tracing/exporters"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := initTracing(ctx, cfg)
	if err != nil {
		fatal(logger, err, "failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	sqlDB, err := connectDatabase(cfg, logger)
	if err != nil {
		fatal(logger, err, "failed to connect to database")
	}
	defer sqlDB.Close()

	db := database.NewDatabaseInstance(sqlDB, logger)

	redisClient, err := redispkg.NewClient(redispkg.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		fatal(logger, err, "failed to connect to redis")
	}
	defer redisClient.Close()

	locker := redispkg.NewLocker(redisClient, cfg.RedisLockPrefix)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaEventTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: cfg.KafkaBatchTimeout,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()

	emitter := events.NewEmitter(producer, logger)

	store, err := storage.NewFilesystemStore(cfg.StorageRoot, logger)
	if err != nil {
		fatal(logger, err, "failed to open object storage")
	}

	documents := document.NewRepository(db, logger)
	chunks := chunk.NewRepository(db, logger)
	jobs := job.NewRepository(db, logger)
	auditLogs := audit.NewRepository(db, logger)

	executor := ingest.NewExecutor(documents, chunks, store, newEmbedder(cfg, logger), locker, emitter, ingest.ExecutorConfig{
		Chunker: ingest.ChunkerConfig{
			ParentTokenLimit: cfg.ChunkParentTokenLimit,
			ChildTokenLimit:  cfg.ChunkChildTokenLimit,
			ChildOverlap:     cfg.ChunkChildOverlap,
		},
		PublishLockTTL: cfg.WorkerPublishLockTTL,
	}, logger)

	worker := queue.NewWorker(jobs, executor, emitter, auditLogs, queue.WorkerConfig{
		Lease:        cfg.WorkerLease,
		PollInterval: cfg.WorkerPollInterval,
		Backoff: queue.BackoffConfig{
			Base:   cfg.WorkerBackoffBase,
			Max:    cfg.WorkerBackoffMax,
			Jitter: queue.DefaultBackoffConfig().Jitter,
		},
	}, logger)

	checker := health.NewChecker(sqlDB, redisClient, version)

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	checker.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Worker metrics listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	checker.SetReady(true)
	logger.Info("Worker started")

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.WithError(err).Error("worker stopped unexpectedly")
	}

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.Shutdown(shutdownCtx)
}

func fatal(logger ectologger.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func initTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if cfg.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		exporter = otlp
	}
	return tracing.Init("tkp-worker", exporter)
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	logger.Infof("Connected to database %s at %s:%s", cfg.DatabaseName, cfg.DatabaseHost, cfg.DatabasePort)
	return db, nil
}

func newEmbedder(cfg *config.Config, logger ectologger.Logger) ingest.Embedder {
	if cfg.EmbedderProvider == "http" {
		return embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			BaseURL:   cfg.EmbedderBaseURL,
			Model:     cfg.EmbedderModel,
			Dims:      cfg.EmbedderDims,
			BatchSize: cfg.EmbedderBatchSize,
			Timeout:   cfg.EmbedderTimeout,
		}, logger)
	}
	return embedding.NewLocalEmbedder(cfg.EmbedderDims)
}
