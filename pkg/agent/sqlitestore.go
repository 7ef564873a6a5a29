package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a SQLite-backed agent registry.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureTable creates the agents table if it doesn't exist.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			name          TEXT PRIMARY KEY,
			host          TEXT NOT NULL DEFAULT '',
			port          INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'idle',
			registered_at INTEGER NOT NULL,
			last_seen_at  INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure agents table: %w", err)
	}
	return nil
}

// Register upserts a by name. RegisteredAt is kept from the first call.
func (s *SQLiteStore) Register(ctx context.Context, a Agent) (*Agent, error) {
	if a.Status == "" {
		a.Status = StatusIdle
	}
	now := time.Now().UTC().UnixMicro()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, host, port, status, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET host = excluded.host, port = excluded.port, status = excluded.status, last_seen_at = excluded.last_seen_at`,
		a.Name, a.Host, a.Port, string(a.Status), now, now)
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", a.Name, err)
	}
	return s.Get(ctx, a.Name)
}

// Get returns an agent by name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*Agent, error) {
	a, err := scanSQLiteAgent(s.db.QueryRowContext(ctx, `
		SELECT name, host, port, status, registered_at, last_seen_at FROM agents WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get agent %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return a, nil
}

// List returns all agents.
func (s *SQLiteStore) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, host, port, status, registered_at, last_seen_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		a, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func scanSQLiteAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var status string
	var registered, seen int64
	if err := row.Scan(&a.Name, &a.Host, &a.Port, &status, &registered, &seen); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.RegisteredAt = time.UnixMicro(registered).UTC()
	a.LastSeenAt = time.UnixMicro(seen).UTC()
	return &a, nil
}
