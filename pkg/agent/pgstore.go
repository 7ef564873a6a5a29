package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed agent registry.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the agents table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			name          TEXT PRIMARY KEY,
			host          TEXT NOT NULL DEFAULT '',
			port          INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'idle',
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure agents table: %w", err)
	}
	return nil
}

// Register upserts a by name. RegisteredAt is kept from the first call.
func (s *PgStore) Register(ctx context.Context, a Agent) (*Agent, error) {
	if a.Status == "" {
		a.Status = StatusIdle
	}
	now := time.Now().Truncate(time.Microsecond)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (name, host, port, status, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO UPDATE
		SET host = EXCLUDED.host, port = EXCLUDED.port, status = EXCLUDED.status, last_seen_at = EXCLUDED.last_seen_at
		RETURNING name, host, port, status, registered_at, last_seen_at`,
		a.Name, a.Host, a.Port, string(a.Status), now)
	got, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", a.Name, err)
	}
	return got, nil
}

// Get returns an agent by name.
func (s *PgStore) Get(ctx context.Context, name string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `
		SELECT name, host, port, status, registered_at, last_seen_at FROM agents WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get agent %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return a, nil
}

// List returns all agents.
func (s *PgStore) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, host, port, status, registered_at, last_seen_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var status string
	if err := row.Scan(&a.Name, &a.Host, &a.Port, &status, &a.RegisteredAt, &a.LastSeenAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}
