// Package main is the entry point for the Strand streaming agent server.
// A single binary runs the execution supervisor, worker runner, timeout
// sweeper, and the HTTP/websocket surface with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/common/config"
	"github.com/strandhq/strand/internal/common/httpmw"
	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/common/tracing"
	"github.com/strandhq/strand/internal/db"
	"github.com/strandhq/strand/internal/events/bus"
	executionhandlers "github.com/strandhq/strand/internal/execution/handlers"
	"github.com/strandhq/strand/internal/execution/store"
	"github.com/strandhq/strand/internal/execution/supervisor"
	"github.com/strandhq/strand/internal/execution/worker"
	"github.com/strandhq/strand/internal/relay"
	"github.com/strandhq/strand/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Strand...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Database: shared by the execution store and the relay.
	dsn := cfg.Database.Path
	if cfg.Database.Driver == "postgres" {
		dsn = cfg.Database.DSN()
	}
	pool, err := db.Open(cfg.Database.Driver, dsn, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver))

	executionStore, err := store.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize execution store", zap.Error(err))
	}
	eventRelay, err := relay.NewSQLRelay(pool)
	if err != nil {
		log.Fatal("Failed to initialize event relay", zap.Error(err))
	}

	// Agent registry
	registry := agent.NewRegistry(log)
	registry.LoadDefaults()
	if agentsFile := os.Getenv("STRAND_AGENTS_FILE"); agentsFile != "" {
		if err := registry.LoadFromFile(agentsFile); err != nil {
			log.Fatal("Failed to load agents file", zap.Error(err), zap.String("path", agentsFile))
		}
	}
	log.Info("Agent registry initialized", zap.Int("agents", len(registry.List())))

	// Supervisor, worker runner, and timeout sweeper
	sup := supervisor.New(executionStore, eventBus, log, supervisor.Config{
		Deadline:   cfg.Execution.DeadlineDuration(),
		StaleAfter: cfg.Execution.StaleAfterDuration(),
	})
	runner := worker.NewRunner(&worker.EchoGenerator{}, sup, eventRelay, eventBus, log)

	sweeper := supervisor.NewSweeper(sup, log, cfg.Execution.SweepIntervalDuration())
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("Failed to start sweeper", zap.Error(err))
	}

	// Websocket hub for lifecycle broadcasts
	hub := stream.NewHub(log)
	if err := hub.BindBus(eventBus); err != nil {
		log.Fatal("Failed to bind hub to event bus", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log, "strand"))
	router.Use(httpmw.OtelTracing("strand"))
	router.Use(httpmw.CORS())

	streamHandler := stream.NewHandler(registry, sup, runner, eventRelay, log, stream.Config{
		Deadline:          cfg.Execution.DeadlineDuration(),
		PollInterval:      cfg.Execution.PollIntervalDuration(),
		KeepaliveInterval: cfg.Execution.KeepaliveIntervalDuration(),
	})
	streamHandler.RegisterRoutes(router)
	executionhandlers.NewHandlers(executionStore, log).RegisterRoutes(router)
	registry.RegisterRoutes(router)
	router.GET("/ws", stream.ServeWS(hub, log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "strand",
		})
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Write timeout is left unset: streaming responses outlive any
		// fixed bound; the execution deadline ends them instead.
	}

	group.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.Info("API configured",
		zap.String("stream", "/api/v1/agents/:id/stream"),
		zap.String("executions", "/api/v1/executions"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-groupCtx.Done():
	}

	log.Info("Shutting down Strand...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sweeper.Stop(); err != nil {
		log.Error("Sweeper stop error", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Strand stopped")
}
