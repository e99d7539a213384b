package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ospy/ospy/internal/config"
	"github.com/ospy/ospy/internal/domain/project"
	"github.com/ospy/ospy/internal/domain/stream"
	"github.com/ospy/ospy/internal/logging"
	"github.com/ospy/ospy/internal/mcp"
	"github.com/ospy/ospy/internal/protocol"
	"github.com/ospy/ospy/internal/registry"
	"github.com/ospy/ospy/internal/sqlite"
	"github.com/ospy/ospy/internal/transport"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		logger, logCloser, _ = logging.New(cfg.Log.Level, "")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
	_ = logCloser.Close()
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return fmt.Errorf("prepare database path: %w", err)
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		Store: sqlite.NewStore(db),
		Applications: map[string]project.ApplicationFactory{
			protocol.StreamApplicationID: stream.Factory(nil, logger),
		},
		SuspendGrace: cfg.Project.SuspendGrace,
		SaveInterval: cfg.Project.SaveInterval,
		Logger:       logger,
	})

	mounts := map[string]http.Handler{}
	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(mcp.Config{Projects: reg, Logger: logger})
		mounts["/mcp"] = mcp.NewHTTPHandler(mcpServer)
	}

	router := transport.NewServer(transport.ServerConfig{
		Projects:   reg,
		PingPeriod: cfg.Server.PingPeriod,
		Logger:     logger,
		Mounts:     mounts,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "mcp", cfg.MCP.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	return shutdown(logger, httpServer, reg)
}

func shutdown(logger *slog.Logger, server *http.Server, reg *registry.Registry) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Websocket connections are hijacked and outlive Shutdown; the registry
	// still saves every published project.
	if err := reg.Close(ctx); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
