package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaki-os/internal/api"
	"zaki-os/internal/config"
	"zaki-os/internal/db"
	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

func newHandler(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tasks := task.NewSQLiteStore(sqlDB)
	require.NoError(t, tasks.EnsureTable(ctx))
	agents := agent.NewSQLiteStore(sqlDB)
	require.NoError(t, agents.EnsureTable(ctx))

	d := dispatch.New(tasks, agents, dispatch.NewBus(), config.DispatchConfig{}, logging.Discard())
	return api.New(d, logging.Discard())
}

func TestShutdownWithOpenStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newHTTPServer(ctx, ln.Addr().String(), newHandler(t))

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	start := time.Now()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, errors.Is(<-served, http.ErrServerClosed))
}
