package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/triage-ai/guardian/internal/api"
	"github.com/triage-ai/guardian/internal/auth"
	"github.com/triage-ai/guardian/internal/bootstrap"
	"github.com/triage-ai/guardian/internal/chread"
	"github.com/triage-ai/guardian/internal/config"
	"github.com/triage-ai/guardian/internal/server"
	"github.com/triage-ai/guardian/internal/storage"
	"github.com/triage-ai/guardian/internal/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting guardian server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("cache_size", cfg.CacheSize),
		zap.Float64("rate_limit", cfg.RateLimit),
	)

	ctx := context.Background()

	// Knowledge base: Postgres when configured, otherwise file or built-in
	seed, err := bootstrap.LoadKnowledge(cfg.KBFile, logger)
	if err != nil {
		logger.Fatal("failed to load knowledge base", zap.Error(err))
	}
	base := seed

	var (
		db      *sql.DB
		pgStore *store.Store
	)
	if cfg.PostgresDSN != "" {
		db, err = store.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pgStore = store.NewStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		n, err := pgStore.Seed(ctx, seed.Entries())
		if err != nil {
			logger.Fatal("failed to seed knowledge base", zap.Error(err))
		}
		if n > 0 {
			logger.Info("seeded knowledge base", zap.Int("entries", n), zap.String("version", seed.Version()))
		}
		if base, err = pgStore.LoadBase(ctx, seed.Version(), logger); err != nil {
			logger.Fatal("failed to load knowledge base from postgres", zap.Error(err))
		}
		logger.Info("postgres connected", zap.Int("kb_topics", base.Len()))
	} else {
		logger.Info("no POSTGRES_DSN set, knowledge edits disabled")
	}

	// Engine
	eng, err := bootstrap.NewEngine(bootstrap.Options{
		RulesFile:  cfg.RulesFile,
		PolicyFile: cfg.PolicyFile,
		Knowledge:  base,
		Timeout:    cfg.Timeout,
		MinLength:  cfg.MinLength,
		CacheSize:  cfg.CacheSize,
		CacheTTL:   cfg.CacheTTL,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	// Auth
	authenticator := buildAuthenticator(cfg, db, logger)

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	var reader api.AnalyticsReader
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}

		chReader, err := chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// HTTP API server
	deps := &api.Dependencies{
		Engine:    eng,
		Writer:    writer,
		Logger:    logger,
		Reader:    reader,
		Auth:      authenticator,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.RateBurst,
	}
	if pgStore != nil {
		deps.Store = pgStore
		deps.Keys = pgStore
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server
	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCPort != "" {
		grpcServer, healthServer = server.NewGRPCServer(server.NewGuardianServer(eng, authenticator, writer, logger), logger)
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
		}
		go func() {
			logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Fatal("grpc server failed", zap.Error(err))
			}
		}()
	}

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	if grpcServer != nil {
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("guardian server stopped")
}

// buildAuthenticator prefers Postgres-backed keys, then static keys from the
// environment. With neither, requests are not authenticated.
func buildAuthenticator(cfg *config.Config, db *sql.DB, logger *zap.Logger) auth.Authenticator {
	if db != nil {
		logger.Info("postgres authenticator enabled", zap.Duration("cache_ttl", cfg.AuthCacheTTL))
		return auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
	}
	if cfg.AdminKey != "" || len(cfg.APIKeys) > 0 {
		a := auth.NewStaticAuthenticator(cfg.AdminKey, cfg.APIKeys...)
		logger.Info("static authenticator enabled", zap.Int("keys", a.Len()))
		return a
	}
	logger.Warn("no API keys configured, authentication disabled")
	return nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
