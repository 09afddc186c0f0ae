package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/datadict/dictpipe/internal/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	source_file TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// Open connects to the job ledger database, picking the driver from the DSN
// scheme: "sqlite:" paths (including "sqlite::memory:") use the embedded
// driver, anything else is treated as a postgres URL and handed to pgx.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, dsn := "pgx", cfg.DSN
	if rest, ok := strings.CutPrefix(cfg.DSN, "sqlite:"); ok {
		driver, dsn = "sqlite", rest
	}

	logger.Info("repository.open", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		logger.Error("repository.open_failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("open job ledger: %w", err)
	}
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a single conn avoids
		// SQLITE_BUSY on concurrent transactions.
		db.SetMaxOpenConns(1)
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		logger.Error("repository.migrate_failed", "error", err)
		return nil, fmt.Errorf("migrate job ledger: %w", err)
	}

	logger.Info("repository.ready", "driver", driver)
	return db, nil
}

// HealthCheck pings the ledger to catch DSN issues early.
func HealthCheck(ctx context.Context, db *sql.DB, cfg common.DatabaseConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HealthTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		logger.Error("repository.health_failed", "error", err)
		return fmt.Errorf("job ledger ping: %w", err)
	}
	return nil
}

// Close closes the ledger connection gracefully.
func Close(db *sql.DB, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("repository.close_failed", "error", err)
			return
		}
	}
	logger.Info("repository.closed")
}
