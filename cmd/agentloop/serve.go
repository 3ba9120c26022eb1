package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/canvas"
	"github.com/xiaot623/agentloop/internal/config"
	"github.com/xiaot623/agentloop/internal/history"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/media"
	"github.com/xiaot623/agentloop/internal/observability"
	"github.com/xiaot623/agentloop/internal/policy"
	"github.com/xiaot623/agentloop/internal/repository"
	"github.com/xiaot623/agentloop/internal/service"
	transporthttp "github.com/xiaot623/agentloop/internal/transport/http"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the agent API server.

Configuration comes from the environment (and a .env file when present):
DATABASE_DRIVER/DATABASE_URL select the store, MODELS_FILE the model catalog,
JWT_SECRET enables bearer auth, S3_BUCKET enables presigned media URLs.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting agentloop",
		zap.String("version", version),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.Int("max_iterations", cfg.MaxIterations),
		zap.Int("max_steps", cfg.MaxSteps),
	)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "agentloop",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize store
	db, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize models
	catalog, err := config.LoadModels(cfg.ModelsFile)
	if err != nil {
		return err
	}
	router := llm.NewRouter(cfg, catalog, logger)

	// Initialize media
	var presigner media.Presigner
	if cfg.S3Bucket != "" {
		p, err := media.NewS3Presigner(ctx, media.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			TTL:             cfg.S3PresignTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize s3 presigner: %w", err)
		}
		presigner = p
	}
	resolver := media.NewResolver(db, presigner)

	// Initialize policy engine
	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	loop := agent.NewLoop(agent.Deps{
		Messages: db,
		Sessions: db,
		Leases:   db,
		History:  history.New(db, resolver, history.WithWindow(cfg.HistoryWindow), history.WithLogger(logger)),
		Models:   router,
		Gate:     engine,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	}, agent.Config{
		MaxIterations: cfg.MaxIterations,
		MaxSteps:      cfg.MaxSteps,
		LeaseTTL:      cfg.SessionLockTTL,
		Location:      loc,
	})

	watchers := hub.NewHub(logger)
	svc := service.New(db, router, loop, canvas.NewAssistant(db, loop, logger), resolver, watchers, logger)
	e := transporthttp.NewServer(svc, transporthttp.Options{
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
		Gatherer:  prometheus.DefaultGatherer,
		Watch:     hub.NewServer(watchers, hub.DefaultWSConfig()),
		DB:        db,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, trusting identity headers")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchers.Run(gctx)
		return nil
	})
	if cfg.SessionLockTTL > 0 {
		g.Go(func() error {
			service.RunLeaseSweeper(gctx, db, cfg.SessionLockTTL, logger)
			return nil
		})
	}
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("HTTP server started", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down agentloop...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("agentloop stopped")
	return nil
}
