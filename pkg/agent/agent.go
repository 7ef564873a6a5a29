package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Agent is a worker known to the registry.
type Agent struct {
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Status is an agent's self-reported availability.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus converts s into a Status. Empty means idle.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "":
		return StatusIdle, nil
	case StatusIdle, StatusBusy, StatusOffline:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

var (
	ErrNotFound     = errors.New("agent not found")
	ErrUnknownAgent = errors.New("unknown agent")
)

// Store is the contract for the agent registry.
type Store interface {
	// Register creates the agent or refreshes its address, status and
	// last-seen time. Idempotent on name.
	Register(ctx context.Context, a Agent) (*Agent, error)

	// Get returns an agent by name.
	Get(ctx context.Context, name string) (*Agent, error)

	// List returns all agents ordered by name.
	List(ctx context.Context) ([]Agent, error)

	EnsureTable(ctx context.Context) error
}

// Validate returns ErrUnknownAgent when name is not registered.
func Validate(ctx context.Context, s Store, name string) error {
	_, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return err
}
