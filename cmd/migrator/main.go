// Command migrator runs the database bootstrap once and exits. The gateway
// runs the same sequence at startup; this binary exists for CI pipelines and
// operators who migrate ahead of a deploy.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/config"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/migrate"
	"github.com/karimbenali/billetcore/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	targetDB := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}
	adminDB := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBAdminUser,
		Password: cfg.DBAdminPassword,
		Database: cfg.DBAdminDatabase,
		SSLMode:  cfg.DBSSLMode,
	}

	err = migrate.Run(context.Background(), migrate.Config{
		AdminDSN:      adminDB.DSN(),
		TargetDSN:     targetDB.DSN(),
		DatabaseName:  cfg.DBName,
		MigrationsDir: cfg.MigrationsDir,
		SeedsDir:      cfg.SeedsDir,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("database bootstrap complete", zap.String("database", cfg.DBName))
	return nil
}
