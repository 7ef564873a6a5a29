package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"zaki-os/internal/db"
)

// storeFactories returns a constructor per available backend. SQLite always
// runs; Postgres runs when ZAKI_TEST_DATABASE_URL is set.
func storeFactories() map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"sqlite": newSQLiteTestStore,
	}
	if os.Getenv("ZAKI_TEST_DATABASE_URL") != "" {
		factories["postgres"] = newPgTestStore
	}
	return factories
}

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewSQLiteStore(sqlDB)
	require.NoError(t, s.EnsureTable(ctx))
	return s
}

// newPgTestStore gives each test its own schema.
func newPgTestStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	url := os.Getenv("ZAKI_TEST_DATABASE_URL")
	schema := "zaki_test_" + uuid.NewString()[:8]

	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
		_ = conn.Close(ctx)
	})

	s := NewPgStore(pool)
	require.NoError(t, s.EnsureTable(ctx))
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func strPtr(s string) *string { return &s }

// advance walks id through the given statuses via Update.
func advance(t *testing.T, s Store, id string, path ...Status) *Task {
	t.Helper()
	var got *Task
	for _, to := range path {
		var err error
		got, err = s.Update(context.Background(), id, func(tk *Task) ([]Note, error) {
			return []Note{Info("moved to " + string(to))}, Transition(tk, to, now())
		})
		require.NoError(t, err, "advance to %s", to)
	}
	return got
}

func TestStore_CreateDefaults(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, &Task{Title: "Build", Prompt: "make it", Status: StatusDone, RetryCount: 7})
		require.NoError(t, err)

		id, err := uuid.Parse(created.ID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Build", got.Title)
		assert.Equal(t, "make it", got.Prompt)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Nil(t, got.AssignedAgent)
		assert.Nil(t, got.ParentTaskID)
		assert.Nil(t, got.CompletedAt)
		assert.NotNil(t, got.DependencyIDs)
		assert.Empty(t, got.DependencyIDs)
		assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
	})
}

func TestStore_CreateWithNotes(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent, err := s.Create(ctx, &Task{Title: "parent"})
		require.NoError(t, err)

		child, err := s.Create(ctx, &Task{Title: "child", ParentTaskID: &parent.ID},
			Info("created"),
			Note{TaskID: parent.ID, Level: LevelInfo, Message: "subtask dispatched"},
		)
		require.NoError(t, err)

		childLogs, err := s.Logs(ctx, child.ID, 0)
		require.NoError(t, err)
		require.Len(t, childLogs, 1)
		assert.Equal(t, "created", childLogs[0].Message)

		parentLogs, err := s.Logs(ctx, parent.ID, 0)
		require.NoError(t, err)
		require.Len(t, parentLogs, 1)
		assert.Equal(t, "subtask dispatched", parentLogs[0].Message)
	})
}

func TestStore_CreateMissingParentCreatesNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Create(ctx, &Task{Title: "orphan", ParentTaskID: strPtr(uuid.NewString())}, Info("created"))
		require.ErrorIs(t, err, ErrParentNotFound)
		assert.Equal(t, "parent_not_found", Kind(err))

		tasks, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}

func TestStore_CreateDependencies(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.Create(ctx, &Task{Title: "a"})
		require.NoError(t, err)
		b, err := s.Create(ctx, &Task{Title: "b"})
		require.NoError(t, err)

		c, err := s.Create(ctx, &Task{Title: "c", DependencyIDs: []string{b.ID, a.ID, b.ID, ""}})
		require.NoError(t, err)
		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID, a.ID}, got.DependencyIDs)

		_, err = s.Create(ctx, &Task{Title: "d", DependencyIDs: []string{a.ID, uuid.NewString()}})
		require.ErrorIs(t, err, ErrDependencyNotFound)
	})
}

func TestStore_GetNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.Create(ctx, &Task{Title: "a", AssignedAgent: strPtr("builder")})
		require.NoError(t, err)
		b, err := s.Create(ctx, &Task{Title: "b"})
		require.NoError(t, err)
		c, err := s.Create(ctx, &Task{Title: "c", ParentTaskID: &a.ID})
		require.NoError(t, err)
		advance(t, s, b.ID, StatusApproved)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		approved, err := s.List(ctx, Filter{Status: StatusApproved})
		require.NoError(t, err)
		require.Len(t, approved, 1)
		assert.Equal(t, b.ID, approved[0].ID)

		mine, err := s.List(ctx, Filter{Agent: "builder"})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, a.ID, mine[0].ID)

		kids, err := s.List(ctx, Filter{ParentID: a.ID})
		require.NoError(t, err)
		require.Len(t, kids, 1)
		assert.Equal(t, c.ID, kids[0].ID)

		limited, err := s.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		byParent, err := s.ByParent(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, byParent, 1)
		assert.Equal(t, c.ID, byParent[0].ID)
	})
}

func TestStore_UpdateIllegalTransitionLeavesRow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk, err := s.Create(ctx, &Task{Title: "a"})
		require.NoError(t, err)

		_, err = s.Update(ctx, tk.ID, func(t *Task) ([]Note, error) {
			t.Status = StatusDone
			return []Note{Info("should not persist")}, nil
		})
		var ite *IllegalTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, StatusPending, ite.From)

		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.UpdatedAt.Equal(tk.UpdatedAt))

		logs, err := s.Logs(ctx, tk.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestStore_UpdateErrorRollsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk, err := s.Create(ctx, &Task{Title: "a"})
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(ctx, tk.ID, func(t *Task) ([]Note, error) {
			_ = Transition(t, StatusApproved, now())
			return nil, boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestStore_UpdateImmutableFields(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk, err := s.Create(ctx, &Task{Title: "a"})
		require.NoError(t, err)
		advance(t, s, tk.ID, StatusApproved, StatusInProgress)

		done := advance(t, s, tk.ID, StatusDone)
		require.NotNil(t, done.CompletedAt)

		_, err = s.Update(ctx, tk.ID, func(t *Task) ([]Note, error) {
			t.RetryCount = -1
			return nil, nil
		})
		require.Error(t, err)

		got, err := s.Update(ctx, tk.ID, func(t *Task) ([]Note, error) {
			later := now().Add(time.Hour)
			t.CompletedAt = &later
			t.ID = "other"
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, tk.ID, got.ID)
		assert.True(t, got.CompletedAt.Equal(*done.CompletedAt))
	})
}

func TestStore_UpdateNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Update(context.Background(), uuid.NewString(), func(t *Task) ([]Note, error) {
			return nil, nil
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ClaimNext(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		none, err := s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		assert.Nil(t, none)

		pinned, err := s.Create(ctx, &Task{Title: "pinned", AssignedAgent: strPtr("w2")})
		require.NoError(t, err)
		first, err := s.Create(ctx, &Task{Title: "first"})
		require.NoError(t, err)
		second, err := s.Create(ctx, &Task{Title: "second"})
		require.NoError(t, err)
		pending, err := s.Create(ctx, &Task{Title: "not promoted"})
		require.NoError(t, err)
		for _, id := range []string{pinned.ID, first.ID, second.ID} {
			advance(t, s, id, StatusApproved)
		}

		got, err := s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, StatusInProgress, got.Status)
		require.NotNil(t, got.ClaimedBy)
		assert.Equal(t, "w1", *got.ClaimedBy)
		assert.NotNil(t, got.ClaimedAt)

		got, err = s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, second.ID, got.ID)

		got, err = s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		assert.Nil(t, got, "pinned task must not go to another agent")

		got, err = s.ClaimNext(ctx, "w2", now())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, pinned.ID, got.ID)

		p, err := s.Get(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, p.Status)

		logs, err := s.Logs(ctx, first.ID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, "claimed by w1", logs[len(logs)-1].Message)
	})
}

func TestStore_ClaimNextWaitsForDependencies(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		dep, err := s.Create(ctx, &Task{Title: "dep"})
		require.NoError(t, err)
		blocked, err := s.Create(ctx, &Task{Title: "blocked", DependencyIDs: []string{dep.ID}})
		require.NoError(t, err)
		advance(t, s, blocked.ID, StatusApproved)

		got, err := s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		assert.Nil(t, got)

		advance(t, s, dep.ID, StatusApproved, StatusInProgress, StatusFailed)
		got, err = s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		assert.Nil(t, got, "failed dependency does not unblock")

		dep2, err := s.Create(ctx, &Task{Title: "dep2"})
		require.NoError(t, err)
		blocked2, err := s.Create(ctx, &Task{Title: "blocked2", DependencyIDs: []string{dep2.ID}})
		require.NoError(t, err)
		advance(t, s, blocked2.ID, StatusApproved)
		advance(t, s, dep2.ID, StatusApproved)

		got, err = s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, dep2.ID, got.ID)
		advance(t, s, dep2.ID, StatusDone)

		got, err = s.ClaimNext(ctx, "w1", now())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, blocked2.ID, got.ID)
	})
}

func TestStore_ClaimRace(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const tasks, workers = 12, 6

		for i := 0; i < tasks; i++ {
			tk, err := s.Create(ctx, &Task{Title: fmt.Sprintf("t%d", i)})
			require.NoError(t, err)
			advance(t, s, tk.ID, StatusApproved)
		}

		var mu sync.Mutex
		var claimed []string
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < workers; w++ {
			agent := fmt.Sprintf("w%d", w)
			g.Go(func() error {
				for {
					tk, err := s.ClaimNext(gctx, agent, now())
					if errors.Is(err, ErrConcurrentClaimLost) {
						continue
					}
					if err != nil {
						return err
					}
					if tk == nil {
						return nil
					}
					mu.Lock()
					claimed = append(claimed, tk.ID)
					mu.Unlock()
				}
			})
		}
		require.NoError(t, g.Wait())

		require.Len(t, claimed, tasks)
		sort.Strings(claimed)
		for i := 1; i < len(claimed); i++ {
			assert.NotEqual(t, claimed[i-1], claimed[i], "task claimed twice")
		}

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, tasks, counts[StatusInProgress])
		assert.Zero(t, counts[StatusApproved])
	})
}

func TestStore_ClaimRaceOneShot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const tasks, callers = 5, 16

		for i := 0; i < tasks; i++ {
			tk, err := s.Create(ctx, &Task{Title: fmt.Sprintf("t%d", i)})
			require.NoError(t, err)
			advance(t, s, tk.ID, StatusApproved)
		}

		results := make([]*Task, callers)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < callers; i++ {
			agent := fmt.Sprintf("w%d", i)
			g.Go(func() error {
				for {
					tk, err := s.ClaimNext(gctx, agent, now())
					if errors.Is(err, ErrConcurrentClaimLost) {
						continue
					}
					results[i] = tk
					return err
				}
			})
		}
		require.NoError(t, g.Wait())

		seen := map[string]bool{}
		var none int
		for _, tk := range results {
			if tk == nil {
				none++
				continue
			}
			assert.False(t, seen[tk.ID], "task %s claimed twice", tk.ID)
			seen[tk.ID] = true
			assert.Equal(t, StatusInProgress, tk.Status)
		}
		assert.Len(t, seen, tasks)
		assert.Equal(t, callers-tasks, none)
	})
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultListLimit},
		{-1, DefaultListLimit},
		{7, 7},
		{MaxListLimit, MaxListLimit},
		{MaxListLimit + 1, MaxListLimit},
		{5000, MaxListLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampLimit(tt.in), "limit %d", tt.in)
	}
}

func TestSQLiteStore_GuardedWriteConflict(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s := NewSQLiteStore(sqlDB)
	require.NoError(t, s.EnsureTable(ctx))

	tk, err := s.Create(ctx, &Task{Title: "a"})
	require.NoError(t, err)
	stale := *tk
	stale.Status = StatusDone

	err = sqliteWriteTask(ctx, sqlDB, &stale, StatusApproved)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "concurrent_update", Kind(err))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStore_Stale(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, err := s.Create(ctx, &Task{Title: "old"})
		require.NoError(t, err)
		fresh, err := s.Create(ctx, &Task{Title: "fresh"})
		require.NoError(t, err)
		advance(t, s, old.ID, StatusApproved)
		advance(t, s, fresh.ID, StatusApproved)

		t0 := now()
		_, err = s.ClaimNext(ctx, "w1", t0.Add(-time.Hour))
		require.NoError(t, err)
		_, err = s.ClaimNext(ctx, "w1", t0)
		require.NoError(t, err)

		stale, err := s.Stale(ctx, t0.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)
	})
}

func TestStore_Logs(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk, err := s.Create(ctx, &Task{Title: "a"}, Info("created"))
		require.NoError(t, err)

		first, err := s.AppendLog(ctx, tk.ID, LevelDebug, "thinking")
		require.NoError(t, err)
		_, err = s.AppendLog(ctx, tk.ID, LevelWarning, "slow")
		require.NoError(t, err)

		logs, err := s.Logs(ctx, tk.ID, 0)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, []string{"created", "thinking", "slow"},
			[]string{logs[0].Message, logs[1].Message, logs[2].Message})
		for i := 1; i < len(logs); i++ {
			assert.False(t, logs[i].Timestamp.Before(logs[i-1].Timestamp))
			assert.Equal(t, logs[i-1].Hash, logs[i].PrevHash)
		}
		require.NoError(t, s.VerifyLogs(ctx, tk.ID))

		after, err := s.Logs(ctx, tk.ID, first.Seq)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, "slow", after[0].Message)

		_, err = s.AppendLog(ctx, tk.ID, Level("LOUD"), "x")
		require.Error(t, err)

		_, err = s.Logs(ctx, uuid.NewString(), 0)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.AppendLog(ctx, uuid.NewString(), LevelInfo, "x")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Counts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Create(ctx, &Task{Title: "p"})
			require.NoError(t, err)
		}
		tk, err := s.Create(ctx, &Task{Title: "a"})
		require.NoError(t, err)
		advance(t, s, tk.ID, StatusApproved)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[StatusPending])
		assert.Equal(t, 1, counts[StatusApproved])
		assert.Zero(t, counts[StatusDone])
	})
}
