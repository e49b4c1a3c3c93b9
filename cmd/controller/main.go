// Command controller is the process entrypoint: it loads configuration from
// the environment, constructs the App, and runs it until a termination
// signal arrives or the HTTP server fails to start.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeagent/controller/internal/app"
	"github.com/forgeagent/controller/internal/config"
	"github.com/forgeagent/controller/internal/logging"
)

func main() {
	log := logging.New(true, logLevel())

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to construct controller", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
