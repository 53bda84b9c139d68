package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/api"
	"github.com/steemit/hivefeed/internal/app"
	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/push"
	"github.com/steemit/hivefeed/internal/worker"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	logger := logging.GetLogger()
	logger.Info("Starting Hivefeed API Server")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	storage, err := app.OpenStorage(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer storage.Close()

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	gateway := cache.NewGateway(redisCache, cfg.Redis.FeedTTL)

	wmLogger := worker.NewZapLogger(logger.With(zap.String("component", "watermill")))
	signals, err := worker.NewSignalBroker(&cfg.Broker, wmLogger)
	if err != nil {
		logger.Fatal("Failed to create signal broker", zap.Error(err))
	}
	defer signals.Close()
	pushes, err := worker.NewPushBroker(&cfg.Broker, wmLogger)
	if err != nil {
		logger.Fatal("Failed to create push broker", zap.Error(err))
	}
	defer pushes.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := worker.NewSupervisor("hivefeed-server", logger)

	// The in-process broker only reaches consumers in this process, so the
	// distributor runs alongside the API.
	if cfg.Broker.Driver == worker.DriverGoChannel {
		distributor, err := app.NewDistributor(cfg, storage, gateway, signals, pushes, logger)
		if err != nil {
			logger.Fatal("Failed to create distributor", zap.Error(err))
		}
		defer distributor.Close()
		distributor.Supervise(sup)
		logger.Info("Running embedded distributor")
	}

	// Create Gin router
	if cfg.Logging.Level == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	apiRouter := api.NewRouter(api.Deps{
		Posts:     storage.Posts,
		Relations: storage.Relations,
		Store:     storage.Store,
		Pages:     gateway,
		Publisher: signals.Publisher,
		Bridge:    push.NewBridge(pushes.Subscriber, cfg.Push.ChannelPrefix, logger),
		Checks:    storage.Checks(redisCache),
	})
	apiRouter.SetupRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}
	sup.Add(worker.NewHTTPService(srv, logger))

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Supervisor stopped", zap.Error(err))
	}

	logger.Info("Server exited")
}
