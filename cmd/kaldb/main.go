package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaldb-io/kaldb/internal/config"
	"github.com/kaldb-io/kaldb/internal/logging"
	"github.com/kaldb-io/kaldb/internal/metrics"
	"github.com/kaldb-io/kaldb/internal/server"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging)
	slog.Info("starting kaldb", "version", Version, "git_sha", GitSHA, "role", string(cfg.NodeRole))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	m := metrics.New("kaldb")
	srv := server.New(cfg, m)

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("shutdown complete")
			return
		}
		slog.Error("node failed", "error", err)
		os.Exit(1)
	}

	slog.Info("kaldb stopped cleanly")
}
