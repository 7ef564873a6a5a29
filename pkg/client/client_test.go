package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaki-os/internal/api"
	"zaki-os/internal/config"
	"zaki-os/internal/db"
	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/client"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
	"zaki-os/pkg/worker"
)

// Both implementations drive workers.
var (
	_ worker.Orchestrator = (*client.Client)(nil)
	_ worker.Orchestrator = (*dispatch.Dispatcher)(nil)
)

func newClient(t *testing.T, cfg config.DispatchConfig) *client.Client {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tasks := task.NewSQLiteStore(sqlDB)
	require.NoError(t, tasks.EnsureTable(ctx))
	agents := agent.NewSQLiteStore(sqlDB)
	require.NoError(t, agents.EnsureTable(ctx))

	d := dispatch.New(tasks, agents, dispatch.NewBus(), cfg, logging.Discard())
	srv := httptest.NewServer(api.New(d, logging.Discard()))
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/")
}

func TestClientLifecycle(t *testing.T) {
	c := newClient(t, config.DispatchConfig{})
	ctx := context.Background()

	parent, err := c.Create(ctx, dispatch.CreateRequest{Title: "A", Prompt: "do a"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, parent.Status)
	assert.Nil(t, parent.AssignedAgent)

	none, err := c.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = c.Promote(ctx, parent.ID)
	require.NoError(t, err)
	claimed, err := c.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, parent.ID, claimed.ID)
	assert.Equal(t, task.StatusInProgress, claimed.Status)

	b, err := c.DispatchSubtask(ctx, parent.ID, "B", "do b", "")
	require.NoError(t, err)
	_, err = c.DispatchSubtask(ctx, parent.ID, "C", "do c", "w2")
	require.NoError(t, err)

	got, err := c.RequestApproval(ctx, parent.ID, "split in two")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPendingApproval, got.Status)

	states, err := c.SubtaskStatus(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, b.ID, states[0].ID)
	assert.Equal(t, task.StatusPending, states[1].Status)

	got, err = c.Approve(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)

	_, err = c.Approve(ctx, parent.ID)
	assert.ErrorIs(t, err, task.ErrNotPendingApproval)

	children, err := c.List(ctx, task.Filter{ParentID: parent.ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, children, 2)

	entry, err := c.Log(ctx, parent.ID, task.LevelWarning, "heads up")
	require.NoError(t, err)
	logs, err := c.Logs(ctx, parent.ID, entry.Seq-1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "heads up", logs[0].Message)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Tasks)
	assert.Equal(t, 1, status.ByStatus[task.StatusApproved])
	assert.Equal(t, 2, status.ByStatus[task.StatusPending])
}

func TestClientFinish(t *testing.T) {
	c := newClient(t, config.DispatchConfig{})
	ctx := context.Background()

	for _, ok := range []bool{true, false} {
		tk, err := c.Create(ctx, dispatch.CreateRequest{Title: "T"})
		require.NoError(t, err)
		_, err = c.Transition(ctx, tk.ID, task.StatusApproved)
		require.NoError(t, err)
		_, err = c.ClaimNext(ctx, "w1")
		require.NoError(t, err)

		if ok {
			tk, err = c.Complete(ctx, tk.ID, "all good")
			require.NoError(t, err)
			assert.Equal(t, task.StatusDone, tk.Status)
		} else {
			tk, err = c.Fail(ctx, tk.ID, "broken")
			require.NoError(t, err)
			assert.Equal(t, task.StatusFailed, tk.Status)
		}
		assert.NotNil(t, tk.CompletedAt)
	}
}

func TestClientErrors(t *testing.T) {
	c := newClient(t, config.DispatchConfig{ValidateAgents: true})
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.True(t, client.IsNotFound(err))

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Kind)

	_, err = c.DispatchSubtask(ctx, "missing", "B", "", "")
	assert.ErrorIs(t, err, task.ErrParentNotFound)
	assert.True(t, client.IsNotFound(err))

	_, err = c.Create(ctx, dispatch.CreateRequest{Title: "A", DependencyIDs: []string{"missing"}})
	assert.ErrorIs(t, err, task.ErrDependencyNotFound)

	_, err = c.Create(ctx, dispatch.CreateRequest{Title: "A", AssignedAgent: "ghost"})
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)

	_, err = c.Create(ctx, dispatch.CreateRequest{})
	assert.ErrorIs(t, err, dispatch.ErrInvalid)

	tk, err := c.Create(ctx, dispatch.CreateRequest{Title: "A"})
	require.NoError(t, err)
	_, err = c.Complete(ctx, tk.ID, "")
	assert.ErrorIs(t, err, task.ErrIllegalTransition)
	assert.False(t, client.IsNotFound(err))

	_, err = c.Transition(ctx, tk.ID, task.StatusInProgress)
	assert.ErrorIs(t, err, dispatch.ErrInvalid)

	err = &client.APIError{Status: 409, Kind: "concurrent_update"}
	assert.ErrorIs(t, err, task.ErrConcurrentUpdate)
}

func TestClientAgents(t *testing.T) {
	c := newClient(t, config.DispatchConfig{ValidateAgents: true})
	ctx := context.Background()

	a, err := c.Register(ctx, agent.Agent{Name: "w1", Host: "10.0.0.2", Port: 9000})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)

	agents, err := c.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "w1", agents[0].Name)

	tk, err := c.Create(ctx, dispatch.CreateRequest{Title: "A", AssignedAgent: "w1"})
	require.NoError(t, err)
	require.NotNil(t, tk.AssignedAgent)
	assert.Equal(t, "w1", *tk.AssignedAgent)
}

func TestClientUnreachable(t *testing.T) {
	c := client.New("http://127.0.0.1:1")
	_, err := c.Get(context.Background(), "x")
	assert.ErrorIs(t, err, task.ErrStoreUnavailable)
}
