// Command migrate applies the database schema and exits. The server also
// migrates on startup; this is for deployments that run schema changes as a
// separate step.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/codebuildervaibhav/clubbot/internal/config"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	check := flag.Bool("check", false, "report the schema version without migrating; exit 1 when behind")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*configPath, true)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		MaxConns:    1,
		DialTimeout: cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *check {
		version, err := storage.SchemaVersion(ctx, db)
		if err != nil {
			logger.Error("failed to read schema version", "error", err)
			os.Exit(1)
		}
		latest := storage.LatestSchemaVersion()
		logger.Info("schema version", "current", version, "latest", latest)
		if version < latest {
			os.Exit(1)
		}
		return
	}

	if err := storage.Migrate(ctx, db, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}
