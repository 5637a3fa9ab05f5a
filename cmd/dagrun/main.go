package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	promclient "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/internal/config"
	"github.com/aescanero/dagrun/pkg/adapters/archive/objectstore"
	eventsmemory "github.com/aescanero/dagrun/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/dagrun/pkg/adapters/events/redis"
	"github.com/aescanero/dagrun/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagrun/pkg/adapters/plans/file"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/dagrun/pkg/adapters/storage/redis"
	sqlstorage "github.com/aescanero/dagrun/pkg/adapters/storage/sql"
	"github.com/aescanero/dagrun/pkg/adapters/tools"
	"github.com/aescanero/dagrun/pkg/adapters/tools/anthropic"
	"github.com/aescanero/dagrun/pkg/api/grpc"
	"github.com/aescanero/dagrun/pkg/api/http"
	"github.com/aescanero/dagrun/pkg/api/mcpserver"
	"github.com/aescanero/dagrun/pkg/api/websocket"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel, cfg.MCPStdio)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("dagrun stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting dagrun",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *goredis.Client
	if cfg.Storage.Backend == "redis" || cfg.Redis.Events {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("Redis close error", zap.Error(err))
			}
		}()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	store, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close error", zap.Error(err))
		}
	}()

	var eventBus ports.EventBus
	if cfg.Redis.Events {
		eventBus, err = eventsredis.NewStreamsEventBus(redisClient, cfg.Redis.ConsumerGroup, cfg.Redis.ConsumerName, logger)
		if err != nil {
			return fmt.Errorf("failed to create event bus: %w", err)
		}
	} else {
		eventBus = eventsmemory.NewInMemoryEventBus(logger)
	}
	defer func() { _ = eventBus.Close() }()

	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	if cfg.Anthropic.APIKey != "" {
		llmTool, err := anthropic.New(anthropic.Config{
			APIKey:           cfg.Anthropic.APIKey,
			BaseURL:          cfg.Anthropic.BaseURL,
			DefaultModel:     cfg.Anthropic.DefaultModel,
			DefaultMaxTokens: cfg.Anthropic.DefaultMaxTokens,
			RequestTimeout:   cfg.Anthropic.RequestTimeout,
			RateLimit:        cfg.Anthropic.RateLimit,
			RateBurst:        cfg.Anthropic.RateBurst,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create anthropic tool: %w", err)
		}
		if err := llmTool.Register(registry); err != nil {
			return fmt.Errorf("failed to register anthropic tool: %w", err)
		}
	}

	if cfg.Plans.Dir != "" {
		provider, err := file.NewProvider(ctx, cfg.Plans.Dir, logger, file.WithSink(store))
		if err != nil {
			return fmt.Errorf("failed to load plans: %w", err)
		}
		defer func() { _ = provider.Close() }()
		if cfg.Plans.Watch {
			if err := provider.Watch(ctx); err != nil {
				logger.Warn("plan hot reload disabled", zap.Error(err))
			}
		}
	}

	var archiver ports.Archiver
	if cfg.Archive.Enabled {
		a, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare archive bucket: %w", err)
		}
		archiver = a
	}

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.QueueSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)

	orchestratorMgr, err := orchestrator.NewManager(orchestrator.Config{
		DefaultConcurrency: cfg.Orchestrator.DefaultConcurrency,
		StepTimeout:        cfg.Orchestrator.StepTimeout,
		PauseOnError:       cfg.Orchestrator.PauseOnError,
		DefaultRetry: domain.RetryPolicy{
			MaxAttempts:    cfg.Orchestrator.RetryMaxAttempts,
			Backoff:        domain.BackoffStrategy(cfg.Orchestrator.RetryBackoff),
			InitialDelayMs: cfg.Orchestrator.RetryInitialDelay.Milliseconds(),
		},
	}, orchestrator.Dependencies{
		Store:    store,
		Tools:    registry,
		EventBus: eventBus,
		Metrics:  metricsCollector,
		Archiver: archiver,
		Pool:     workerPool,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Orchestrator.RecoverOnStart {
		if _, err := orchestratorMgr.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover instances: %w", err)
		}
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Plans:        store,
		Pool:         workerPool,
		Logger:       logger,
		RateLimit:    cfg.API.RateLimit,
		RateBurst:    cfg.API.RateBurst,
		CORSOrigins:  cfg.API.CORS,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eventBus, orchestratorMgr, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:     cfg.GRPCPort,
		Liveness: orchestratorMgr,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	if cfg.MCPStdio {
		mcpServer := mcpserver.NewServer(&mcpserver.Config{
			Orchestrator: orchestratorMgr,
			Plans:        store,
			Version:      Version,
			Logger:       logger,
		})
		g.Go(func() error {
			// The client closing stdin ends the process like a signal would
			err := mcpServer.Run(gctx)
			stop()
			return err
		})
	}

	logger.Info("dagrun started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("mcp_stdio", cfg.MCPStdio))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		if err := workerPool.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("dagrun shut down complete")
	return nil
}

// openStore builds the configured durable store
func openStore(ctx context.Context, cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (ports.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.NewStore(), nil
	case "redis":
		return redisstorage.NewStore(redisClient, cfg.Storage.RedisTTL, logger), nil
	case "sqlite":
		return sqlstorage.Open(ctx, sqlstorage.Config{
			Dialect: sqlstorage.DialectSQLite,
			DSN:     cfg.Storage.SQLitePath,
		}, logger)
	case "postgres":
		return sqlstorage.Open(ctx, sqlstorage.Config{
			Dialect:         sqlstorage.DialectPostgres,
			DSN:             cfg.Storage.PostgresURL,
			MaxOpenConns:    cfg.Storage.PostgresMaxOpenConns,
			MaxIdleConns:    cfg.Storage.PostgresMaxIdleConns,
			ConnMaxLifetime: cfg.Storage.PostgresConnLifetime,
		}, logger)
	}
	return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
}

// initLogger initializes the logger based on log level. Logs go to stderr
// when stdout carries the MCP protocol.
func initLogger(level string, mcpStdio bool) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if mcpStdio {
		config.OutputPaths = []string{"stderr"}
	}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
