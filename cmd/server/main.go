package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/iuriikogan/rlm-sandbox/internal/app"
	"github.com/iuriikogan/rlm-sandbox/internal/config"
	"github.com/iuriikogan/rlm-sandbox/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.SetupLogger("info", "json").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exited properly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var sessions sessionReader
	if a.Store != nil {
		sessions = a.Store
		logger.Info("Persisting sessions", "path", cfg.Store.Path)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: newServer(a.Engine, sessions, logger),
	}

	// Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port, "backend", cfg.Driver.Backend, "model", cfg.Driver.Model)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	return nil
}
