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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opscore/opscore/internal/api"
	"github.com/opscore/opscore/internal/common/config"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/events/bus"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/routing"
	"github.com/opscore/opscore/internal/store"
	"github.com/opscore/opscore/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ops-Core service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize state store
	var st store.Store
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		redisStore := store.NewRedisStore(cfg.Storage.RedisAddr(), cfg.Storage.RedisDB)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Error("Failed to reach Redis backend",
				zap.String("addr", cfg.Storage.RedisAddr()),
				zap.Error(err))
			return 2
		}
		st = redisStore
		log.Info("Connected to Redis state store", zap.String("addr", cfg.Storage.RedisAddr()))
	default:
		st = store.NewMemoryStore()
		log.Info("Using in-memory state store")
	}
	defer st.Close()

	// 4. Connect event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("Failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
			return 2
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Assemble lifecycle manager, routing client, and workflow engine
	lm := lifecycle.NewManager(st, eventBus, log)
	routingClient := routing.NewClient(cfg.Routing, log)
	queue := workflow.NewTaskQueue(cfg.Workflow.QueueMaxSize)
	engine := workflow.NewEngine(st, lm, queue, log)

	dispatcherCfg := workflow.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Workflow.DispatchWorkers
	dispatcher := workflow.NewDispatcher(queue, lm, routingClient, eventBus, log, dispatcherCfg)

	// 6. Seed workflow definitions
	if cfg.Workflow.SeedDir != "" {
		if err := engine.SeedDir(ctx, cfg.Workflow.SeedDir); err != nil {
			log.Error("Failed to seed workflow definitions",
				zap.String("dir", cfg.Workflow.SeedDir),
				zap.Error(err))
			return 1
		}
	}

	// 7. Start the dispatch loop
	dispatcher.Start()

	// 8. Start HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(lm, engine, cfg.Auth.APIKey, log)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		return 1
	}

	// 10. Graceful shutdown: drain HTTP, stop the dispatch loop, close
	// the bus and store
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	dispatcher.Stop()

	log.Info("Ops-Core service stopped")
	return 0
}
