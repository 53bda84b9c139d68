// Package db stores accounts, posts, relations and timelines through gorm.
// Production runs on PostgreSQL with the goose schema in migrations/; the
// memory driver and the tests run the same repositories on SQLite.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

// Default pool limits when the configuration leaves them unset
const (
	defaultMaxIdleConns    = 10
	defaultMaxOpenConns    = 100
	defaultConnMaxLifetime = time.Hour
)

// Models lists every table the repositories read or write. AutoMigrate
// creates them in this order on SQLite.
var Models = []interface{}{
	&models.Account{},
	&models.Post{},
	&models.Follow{},
	&models.Subscription{},
	&models.Purchase{},
	&models.Block{},
	&models.TimelineEntry{},
}

// zapWriter adapts zap.Logger to logger.Writer interface
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Printf(format string, args ...interface{}) {
	w.logger.Sugar().Infof(format, args...)
}

// DB wraps GORM database connection
type DB struct {
	*gorm.DB
}

// New creates a new PostgreSQL connection
func New(cfg *config.DatabaseConfig, logLevel string) (*DB, error) {
	return Open(postgres.Open(cfg.URL), cfg, logLevel)
}

// OpenMemory creates a private in-memory SQLite database and migrates every
// model into it. The data lives as long as the returned DB.
func OpenMemory(logLevel string) (*DB, error) {
	// The database belongs to its connection, so the pool holds exactly one
	// and never recycles it.
	d, err := open(sqlite.Open(":memory:"), pool{maxIdle: 1, maxOpen: 1}, logLevel)
	if err != nil {
		return nil, err
	}
	if err := d.AutoMigrate(Models...); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to migrate in-memory database: %w", err)
	}
	return d, nil
}

// Open connects through any gorm dialector using the configured pool limits
func Open(dialector gorm.Dialector, cfg *config.DatabaseConfig, logLevel string) (*DB, error) {
	p := pool{maxIdle: cfg.MaxIdleConns, maxOpen: cfg.MaxOpenConns, lifetime: defaultConnMaxLifetime}
	if p.maxIdle <= 0 {
		p.maxIdle = defaultMaxIdleConns
	}
	if p.maxOpen <= 0 {
		p.maxOpen = defaultMaxOpenConns
	}
	return open(dialector, p, logLevel)
}

// pool is the sql.DB connection pool shape. A zero lifetime keeps
// connections forever.
type pool struct {
	maxIdle  int
	maxOpen  int
	lifetime time.Duration
}

func open(dialector gorm.Dialector, p pool, logLevel string) (*DB, error) {
	writer := &zapWriter{logger: logging.GetLogger().With(zap.String("component", "gorm"))}

	gormLogger := logger.New(
		writer,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(logLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// Timestamps are written in UTC so SQLite's textual times compare in order
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pool configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(p.maxIdle)
	sqlDB.SetMaxOpenConns(p.maxOpen)
	sqlDB.SetConnMaxLifetime(p.lifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Database connection established",
		zap.String("dialect", dialector.Name()),
		zap.Int("max_open_conns", p.maxOpen))

	return &DB{DB: db}, nil
}

// gormLogLevel maps the service log level onto gorm's, one step quieter so
// that INFO logging does not print every statement.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "DEBUG", "debug":
		return logger.Info
	case "INFO", "info":
		return logger.Warn
	case "WARN", "warn", "WARNING", "warning":
		return logger.Error
	case "ERROR", "error":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database health
func (d *DB) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
