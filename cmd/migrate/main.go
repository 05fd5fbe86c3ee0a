package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"walletledger/internal/config"
	"walletledger/internal/db"
	"walletledger/internal/logger"
	"walletledger/migrations"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	log := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	database, err := db.Connect(cfg.Database.URL, db.DefaultPoolOptions())
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	migrator, err := migrations.New(database.DB, log)
	if err != nil {
		log.Fatal("failed to create migrator", zap.Error(err))
	}
	defer func() { _ = migrator.Close() }()

	if err := run(migrator, args); err != nil {
		log.Error("migration failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func run(m *migrations.Migrator, args []string) error {
	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "steps":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return m.Steps(n)
	case "force":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return m.Force(n)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a numeric argument", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", args[0], err)
	}
	return n, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: migrate [flags] <command> [arg]

commands:
  up          apply all pending migrations
  down        roll back every migration
  steps N     apply N migrations (negative rolls back)
  force V     set the recorded version without running migrations
  version     print the current version

flags:
`)
	flag.PrintDefaults()
}
