package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"zaki-os/internal/api"
	"zaki-os/internal/config"
	"zaki-os/internal/db"
	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zaki-server: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tasks, agents, closeDB, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := tasks.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure task tables: %w", err)
	}
	if err := agents.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure agents table: %w", err)
	}

	d := dispatch.New(tasks, agents, dispatch.NewBus(), cfg.Dispatch, logger)

	g, ctx := errgroup.WithContext(ctx)
	srv := newHTTPServer(ctx, cfg.Server.Addr, api.New(d, logger))
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.RunSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newHTTPServer derives every request context from ctx, so open event
// streams end when ctx is cancelled and Shutdown is not held up by them.
func newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// openStores picks the backend named by cfg.Driver.
func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (task.Store, agent.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return task.NewSQLiteStore(sqlDB), agent.NewSQLiteStore(sqlDB), func() { _ = sqlDB.Close() }, nil
	default:
		pool, err := db.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return task.NewPgStore(pool), agent.NewPgStore(pool), pool.Close, nil
	}
}
