// Package app wires storage, brokers and the feed engine for the binaries.
package app

import (
	"fmt"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/api"
	"github.com/steemit/hivefeed/internal/cache"
	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/push"
	"github.com/steemit/hivefeed/internal/worker"
	"github.com/steemit/hivefeed/pkg/config"
)

// Storage is the selected persistence backend behind the feed ports
type Storage struct {
	Posts     *db.PostRepository
	Relations *db.RelationRepository
	Store     *db.TimelineRepository
	DB        *db.DB
}

// OpenStorage connects the configured storage driver
func OpenStorage(cfg *config.Config, logger *zap.Logger) (*Storage, error) {
	var (
		conn *db.DB
		err  error
	)
	switch cfg.Distributor.Storage {
	case "memory":
		logger.Warn("Using in-memory SQLite storage; timelines are lost on restart")
		conn, err = db.OpenMemory(cfg.Logging.Level)
	case "postgres", "":
		conn, err = db.New(&cfg.Database, cfg.Logging.Level)
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Distributor.Storage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := db.NewRepository(conn.DB)
	return &Storage{
		Posts:     db.NewPostRepository(repo),
		Relations: db.NewRelationRepository(repo),
		Store:     db.NewTimelineRepository(repo),
		DB:        conn,
	}, nil
}

// Close releases the database connection, if any
func (s *Storage) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Checks returns the dependencies the health endpoint checks
func (s *Storage) Checks(c *cache.Cache) map[string]api.HealthChecker {
	checks := map[string]api.HealthChecker{}
	if s.DB != nil {
		checks["database"] = s.DB
	}
	if c != nil {
		checks["redis"] = c
	}
	return checks
}

// Scheduler re-dispatches scheduled posts and runs under supervision
type Scheduler interface {
	feed.Scheduler
	suture.Service
}

// Distributor is the signal-driven half of the system: the engine, its
// router and the scheduled-post scheduler.
type Distributor struct {
	Engine    *feed.Engine
	Router    *worker.Router
	Scheduler Scheduler
	Notifier  *push.Notifier
}

// newScheduler parks scheduled posts on the JetStream stream when signals
// travel over NATS. The in-process broker keeps them on timers, which do
// not survive a restart.
func newScheduler(cfg *config.Config, signals *worker.Broker, logger *zap.Logger) (Scheduler, error) {
	if cfg.Broker.Driver != worker.DriverNATS {
		return worker.NewDelayer(signals.Publisher, logger), nil
	}
	s, err := worker.NewStreamScheduler(&cfg.Broker, signals.Publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return s, nil
}

// NewDistributor builds the engine over storage and registers its handlers
// on the signal broker. Push messages go out on pushes.
func NewDistributor(cfg *config.Config, storage *Storage, gateway *cache.Gateway, signals, pushes *worker.Broker, logger *zap.Logger) (*Distributor, error) {
	wmLogger := worker.NewZapLogger(logger.With(zap.String("component", "watermill")))

	notifier := push.NewNotifier(pushes.Publisher, &cfg.Push, logger)
	scheduler, err := newScheduler(cfg, signals, logger)
	if err != nil {
		return nil, err
	}

	engine := feed.New(feed.Deps{
		Posts:       storage.Posts,
		Relations:   storage.Relations,
		Store:       storage.Store,
		Invalidator: gateway,
		Notifier:    notifier,
		Scheduler:   scheduler,
	}, feed.OptionsFromConfig(&cfg.Distributor), logger.With(zap.String("component", "feed")))

	routerCfg := worker.DefaultRouterConfig()
	if cfg.Broker.PoisonTopic != "" {
		routerCfg.PoisonQueueTopic = cfg.Broker.PoisonTopic
	}
	router, err := worker.NewRouter(routerCfg, signals.Publisher, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	worker.NewHandlers(engine, logger).Register(router, signals.Subscriber)

	return &Distributor{
		Engine:    engine,
		Router:    router,
		Scheduler: scheduler,
		Notifier:  notifier,
	}, nil
}

// Supervise adds the distributor services to sup
func (d *Distributor) Supervise(sup *suture.Supervisor) {
	sup.Add(worker.NewRouterService(d.Router))
	sup.Add(d.Scheduler)
}

// Close releases the scheduler's broker connection, if it holds one
func (d *Distributor) Close() {
	if c, ok := d.Scheduler.(interface{ Close() }); ok {
		c.Close()
	}
}
