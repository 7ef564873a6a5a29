package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaki-os/internal/db"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewSQLiteStore(sqlDB)
	require.NoError(t, s.EnsureTable(ctx))
	return s
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Register(ctx, Agent{Name: "builder", Host: "10.0.0.5", Port: 7000})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, first.Status)

	second, err := s.Register(ctx, Agent{Name: "builder", Host: "10.0.0.6", Port: 7001, Status: StatusBusy})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", second.Host)
	assert.Equal(t, 7001, second.Port)
	assert.Equal(t, StatusBusy, second.Status)
	assert.True(t, second.RegisteredAt.Equal(first.RegisteredAt))
	assert.False(t, second.LastSeenAt.Before(first.LastSeenAt))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListOrderedByName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, n := range []string{"reviewer", "builder", "planner"} {
		_, err := s.Register(ctx, Agent{Name: n})
		require.NoError(t, err)
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"builder", "planner", "reviewer"}, []string{all[0].Name, all[1].Name, all[2].Name})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Register(ctx, Agent{Name: "builder"})
	require.NoError(t, err)

	assert.NoError(t, Validate(ctx, s, "builder"))
	assert.ErrorIs(t, Validate(ctx, s, "ghost"), ErrUnknownAgent)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st)

	st, err = ParseStatus("busy")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, st)

	_, err = ParseStatus("asleep")
	assert.Error(t, err)
}
