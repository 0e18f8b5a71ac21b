package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yansir/accounts-proxy/internal/apiclient"
	"github.com/yansir/accounts-proxy/internal/config"
	"github.com/yansir/accounts-proxy/internal/events"
	"github.com/yansir/accounts-proxy/internal/server"
)

var version = "dev"

func main() {
	// .env values become defaults for config.Load; real env vars win.
	_ = godotenv.Load()
	cfg := config.Load()

	logLevel := flag.String("logging-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	apiRoot := flag.String("api-root", cfg.APIRoot, "root URL of the Accounts API")
	caVersion := flag.String("computeaccounts-api-version", cfg.ComputeAccountsVersion, "computeaccounts API version")
	computeVersion := flag.String("compute-api-version", cfg.ComputeVersion, "compute API version")
	flag.Parse()
	cfg.LogLevel = *logLevel
	cfg.APIRoot = *apiRoot
	cfg.ComputeAccountsVersion = *caVersion
	cfg.ComputeVersion = *computeVersion

	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("accountsd starting", "version", version)

	bus := events.NewBus(200)
	srv := server.New(cfg, apiclient.New(cfg), bus, logHandler)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		if err := srv.Shutdown(); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Serve(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
