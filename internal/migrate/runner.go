// Package migrate implements the boot-time schema installer: single-leader
// via a database advisory lock, ordered SQL migrations with recorded
// checksums, and conditional seeding of the access-control tables.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/db"
)

// advisoryLockID serialises migration across the fleet. Fixed forever.
const advisoryLockID int64 = 814_217_001

// lockTimeout bounds advisory lock acquisition at startup.
const lockTimeout = 60 * time.Second

// Config drives one runner invocation.
type Config struct {
	// AdminDSN connects to the server's default database with credentials
	// allowed to CREATE DATABASE. Empty disables the ensure-database step.
	AdminDSN string

	// TargetDSN connects to the application database.
	TargetDSN string

	// DatabaseName is the database ensured by the admin connection.
	DatabaseName string

	MigrationsDir string
	SeedsDir      string
}

// Run executes the full bootstrap sequence and blocks until it finishes.
// Any migration failure, including checksum drift of an already-applied
// file, aborts startup.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if cfg.AdminDSN != "" {
		if err := ensureDatabase(ctx, cfg, logger); err != nil {
			return err
		}
	}

	connCfg, err := pgx.ParseConfig(cfg.TargetDSN)
	if err != nil {
		return fmt.Errorf("parse target dsn: %w", err)
	}
	// Migration files hold multiple statements per file.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	connCfg.RuntimeParams["application_name"] = "billetcore-migrate"

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer conn.Close(context.Background())

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if err := db.AdvisoryLock(lockCtx, conn, advisoryLockID); err != nil {
		return fmt.Errorf("migration bootstrap: %w", err)
	}
	logger.Info("migration advisory lock acquired", zap.Int64("lock_id", advisoryLockID))

	defer func() {
		// Release on a fresh context so an expired ctx does not leave the
		// lock held for the rest of the session.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.AdvisoryUnlock(unlockCtx, conn, advisoryLockID); err != nil {
			logger.Error("failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if err := ensureControlTable(ctx, conn); err != nil {
		return err
	}

	if err := applyMigrations(ctx, conn, cfg.MigrationsDir, logger); err != nil {
		return err
	}

	if err := seedIfNeeded(ctx, conn, cfg.SeedsDir, logger); err != nil {
		return err
	}

	if err := grantSuperAdmin(ctx, conn, logger); err != nil {
		return err
	}

	return nil
}

func ensureDatabase(ctx context.Context, cfg Config, logger *zap.Logger) error {
	conn, err := pgx.Connect(ctx, cfg.AdminDSN)
	if err != nil {
		return fmt.Errorf("connect with admin credentials: %w", err)
	}
	defer conn.Close(context.Background())

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)",
		cfg.DatabaseName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("probe database %s: %w", cfg.DatabaseName, err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE does not accept bind parameters.
	stmt := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{cfg.DatabaseName}.Sanitize())
	if _, err := conn.Exec(ctx, stmt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			// Duplicate database: another node won the race.
			return nil
		}
		return fmt.Errorf("create database %s: %w", cfg.DatabaseName, err)
	}

	logger.Info("database created", zap.String("database", cfg.DatabaseName))
	return nil
}

func ensureControlTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_name    TEXT PRIMARY KEY,
			checksum          TEXT NOT NULL,
			file_size         BIGINT NOT NULL,
			executed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			execution_time_ms BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

// listMigrationFiles returns the .sql file names of dir in byte-wise
// ascending order.
func listMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func fileChecksum(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

type appliedMigration struct {
	checksum string
	fileSize int64
}

func loadApplied(ctx context.Context, conn *pgx.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.Query(ctx,
		"SELECT migration_name, checksum, file_size FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var name string
		var m appliedMigration
		if err := rows.Scan(&name, &m.checksum, &m.fileSize); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = m
	}
	return applied, rows.Err()
}

func applyMigrations(ctx context.Context, conn *pgx.Conn, dir string, logger *zap.Logger) error {
	names, err := listMigrationFiles(dir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no migration files found in %s", dir)
	}

	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	// Verify every recorded migration before touching anything: drift in a
	// single file refuses startup with no further migration applied.
	contents := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		contents[name] = data

		if rec, ok := applied[name]; ok {
			if sum := fileChecksum(data); sum != rec.checksum {
				return fmt.Errorf(
					"migration checksum drift for %s: recorded %s, file %s",
					name, rec.checksum, sum,
				)
			}
		}
	}
	for name := range applied {
		if _, ok := contents[name]; !ok {
			return fmt.Errorf("applied migration %s is missing on disk", name)
		}
	}

	appliedCount := 0
	for _, name := range names {
		if _, ok := applied[name]; ok {
			continue
		}

		data := contents[name]
		start := time.Now()

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute migration %s: %w", name, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO schema_migrations (migration_name, checksum, file_size, execution_time_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (migration_name) DO NOTHING`,
			name, fileChecksum(data), int64(len(data)), time.Since(start).Milliseconds(),
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		appliedCount++
		logger.Info("migration applied",
			zap.String("migration", name),
			zap.Duration("took", time.Since(start)),
		)
	}

	logger.Info("migrations complete",
		zap.Int("applied", appliedCount),
		zap.Int("skipped", len(names)-appliedCount),
	)
	return nil
}
