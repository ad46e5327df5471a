// Command api serves the first-aid assistant over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firstaid/assistant/internal/backends"
	"github.com/firstaid/assistant/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)

		return 1
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool

	if cfg.PersistenceEnabled() {
		db, err = backends.OpenDatabase(ctx, cfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)

			return 1
		}
		defer db.Close()
	}

	app, err := NewApp(ctx, cfg, db)
	if err != nil {
		slog.Error("Failed to start", "error", err)

		return 1
	}

	exitCode := 0

	if err := app.Run(ctx); err != nil {
		slog.Error("Component failed", "error", err)

		exitCode = 1
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)

		exitCode = 1
	}

	slog.Info("Server exited")

	return exitCode
}

// setupLogging configures slog with the specified log level
func setupLogging(level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
