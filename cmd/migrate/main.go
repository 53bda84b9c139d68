package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/migrations"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
	fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
	fmt.Fprintln(os.Stderr, "  down        Roll back one version")
	fmt.Fprintln(os.Stderr, "  status      Show migration status")
	fmt.Fprintln(os.Stderr, "  version     Show current version")
	fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()
	logger := logging.WithComponent("migrate")

	conn, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	sqlDB, err := conn.DB.DB()
	if err != nil {
		logger.Fatal("Failed to get sql.DB", zap.Error(err))
	}
	if err := migrations.Setup(); err != nil {
		logger.Fatal("Failed to set up migrations", zap.Error(err))
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(sqlDB, ".")
	case "up-one":
		err = goose.UpByOne(sqlDB, ".")
	case "down":
		err = goose.Down(sqlDB, ".")
	case "status":
		err = goose.Status(sqlDB, ".")
	case "version":
		err = goose.Version(sqlDB, ".")
	case "reset":
		err = goose.Reset(sqlDB, ".")
	default:
		usage()
		logger.Fatal("Unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("Migration failed", zap.String("command", cmd), zap.Error(err))
	}
	logger.Info("Migration finished", zap.String("command", cmd))
}
