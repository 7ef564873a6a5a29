// Package db opens the database handles used by the task and agent stores.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"zaki-os/internal/config"
)

// Connect opens a pgx pool and pings it, retrying with exponential backoff
// while the database is unreachable. Only startup retries; later failures
// surface to callers.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	backoff := cfg.ConnectBackoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if i == attempts {
			break
		}
		logger.Warn("database not ready", "attempt", i, "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", attempts, lastErr)
}

// OpenSQLite opens a SQLite database. All access goes through one connection
// so writers are serialized; ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	return db, nil
}
