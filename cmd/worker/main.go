package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"zaki-os/internal/config"
	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/client"
	"zaki-os/pkg/worker"
)

// registerAttempts bounds how long the worker waits for the server on startup.
const registerAttempts = 30

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zaki-worker: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c := client.New(cfg.Worker.ServerURL)

	// The server may still be starting; retry registration for a while.
	host, _ := os.Hostname()
	for i := 1; ; i++ {
		_, err = c.Register(ctx, agent.Agent{Name: cfg.Worker.Agent, Host: host, Status: agent.StatusIdle})
		if err == nil {
			break
		}
		if i == registerAttempts || ctx.Err() != nil {
			logger.Error("register agent", "agent", cfg.Worker.Agent, "error", err)
			os.Exit(1)
		}
		logger.Warn("waiting for server", "attempt", i, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}

	var retr worker.Retriever
	if cfg.Worker.DocsDir != "" {
		retr = worker.NewDocRetriever(afero.NewOsFs(), cfg.Worker.DocsDir)
	}
	var exec worker.Executor
	if len(cfg.Worker.Command) > 0 {
		exec = worker.CommandExecutor{Argv: cfg.Worker.Command}
	}

	r := worker.New(c, retr, exec, afero.NewOsFs(), cfg.Worker, logger)
	r.Run(ctx)

	if _, err := c.Register(context.Background(), agent.Agent{Name: cfg.Worker.Agent, Host: host, Status: agent.StatusOffline}); err != nil {
		logger.Warn("mark agent offline", "error", err)
	}
}
