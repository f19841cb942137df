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
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/puppet4/tkp-platform/config"
	"github.com/puppet4/tkp-platform/internal/handlers"
	"github.com/puppet4/tkp-platform/internal/repositories/audit"
	"github.com/puppet4/tkp-platform/internal/repositories/chunk"
	"github.com/puppet4/tkp-platform/internal/repositories/document"
	"github.com/puppet4/tkp-platform/internal/repositories/job"
	"github.com/puppet4/tkp-platform/internal/repositories/membership"
	"github.com/puppet4/tkp-platform/internal/repositories/retrievallog"
	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/embedding"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/middleware"
	redispkg "github.com/puppet4/tkp-platform/pkg/redis"
	"github.com/puppet4/tkp-platform/pkg/retrieval"
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

	if err := runMigrations(cfg, sqlDB, logger); err != nil {
		fatal(logger, err, "failed to run migrations")
	}

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

	store, err := storage.NewFilesystemStore(cfg.StorageRoot, logger)
	if err != nil {
		fatal(logger, err, "failed to open object storage")
	}

	documents := document.NewRepository(db, logger)
	chunks := chunk.NewRepository(db, logger)
	jobs := job.NewRepository(db, logger)
	memberships := membership.NewRepository(db, logger)
	audits := audit.NewRepository(db, logger)
	retrievalLogs := retrievallog.NewRepository(db, logger)

	resolver := authz.NewResolver(memberships, logger)
	gates := authz.NewGates(memberships, documents)

	intake := ingest.NewService(documents, store, jobs, logger)

	embedder := newEmbedder(cfg, logger)
	retrievalService := retrieval.NewService(chunks, embedder, retrievalLogs, retrievalConfig(cfg), logger)

	documentHandler := handlers.NewDocumentHandler(intake, documents, resolver, gates, audits, logger)
	jobHandler := handlers.NewJobHandler(jobs, resolver, audits, logger)
	retrievalHandler := handlers.NewRetrievalHandler(retrievalService, resolver, audits, logger)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%d", cfg.MaxUploadBytes)))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	checker := health.NewChecker(sqlDB, redisClient, version)
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	if cfg.AuthEnabled {
		verifier, err := middleware.NewVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			fatal(logger, err, "failed to build token verifier")
		}
		api.Use(middleware.Authentication(logger, verifier))
		api.Use(middleware.ResolveUser(logger, memberships))
	} else {
		logger.Warn("authentication is disabled; trusting identity headers")
		api.Use(middleware.HeaderAuthentication(logger))
	}

	handlers.Register(api, documentHandler, jobHandler, retrievalHandler)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Starting %s on %s", cfg.AppName, addr)
		checker.SetReady(true)

		server := &http.Server{
			Addr:           addr,
			ReadTimeout:    time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
			WriteTimeout:   time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
			IdleTimeout:    time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		}
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			fatal(logger, err, "server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to shut down cleanly")
	}
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
	return tracing.Init(cfg.AppName, exporter)
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

func runMigrations(cfg *config.Config, db *sqlx.DB, logger ectologger.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}

func newEmbedder(cfg *config.Config, logger ectologger.Logger) retrieval.QueryEmbedder {
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

func retrievalConfig(cfg *config.Config) retrieval.Config {
	rc := retrieval.DefaultConfig()
	if cfg.RetrievalRecallLimit > 0 {
		rc.RecallLimit = cfg.RetrievalRecallLimit
	}
	if cfg.RetrievalRecallTimeout > 0 {
		rc.RecallTimeout = cfg.RetrievalRecallTimeout
	}
	if cfg.RetrievalDefaultTopK > 0 {
		rc.DefaultTopK = cfg.RetrievalDefaultTopK
	}
	if cfg.RetrievalContextTokenBudget > 0 {
		rc.ContextTokenBudget = cfg.RetrievalContextTokenBudget
	}
	if cfg.RetrievalMinConfidence > 0 {
		rc.MinConfidence = cfg.RetrievalMinConfidence
	}
	return rc
}
