package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/app"
	"github.com/steemit/hivefeed/internal/cache"
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
	logger.Info("Starting Hivefeed Distributor",
		zap.String("broker", cfg.Broker.Driver),
		zap.String("storage", cfg.Distributor.Storage),
		zap.Int("chunk_size", cfg.Distributor.ChunkSize))

	if cfg.Broker.Driver == worker.DriverGoChannel {
		logger.Warn("The gochannel broker only carries signals within one process; the API server embeds the distributor in that mode")
	}

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

	distributor, err := app.NewDistributor(cfg, storage, cache.NewGateway(redisCache, cfg.Redis.FeedTTL), signals, pushes, logger)
	if err != nil {
		logger.Fatal("Failed to create distributor", zap.Error(err))
	}
	defer distributor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := worker.NewSupervisor("hivefeed-distributor", logger)
	distributor.Supervise(sup)

	// The distributor has no API listener, so metrics get their own
	if cfg.Telemetry.Enabled && cfg.Telemetry.PrometheusEnabled {
		sup.Add(worker.NewHTTPService(telemetry.NewMetricsServer(&cfg.Telemetry), logger))
	}

	logger.Info("Distributor initialized, waiting for signals...")
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Supervisor stopped", zap.Error(err))
	}

	logger.Info("Distributor exited")
}
