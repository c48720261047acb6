package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/puckettventures/converse/internal/api"
	"github.com/puckettventures/converse/internal/api/handlers"
	"github.com/puckettventures/converse/internal/app"
	"github.com/puckettventures/converse/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := run(context.Background(), cfg, quit); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, quit <-chan os.Signal) error {
	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer core.Close()

	checks := map[string]handlers.Pinger{
		"redis":         handlers.PingFunc(func(ctx context.Context) error { return core.Redis.Ping(ctx).Err() }),
		"session_store": core.Store,
	}
	if core.DB != nil {
		checks["database"] = core.DB
	}

	if core.Creds.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, API is unauthenticated")
	}
	router := api.NewRouter(cfg, core.Redis, core.Narration, checks, core.Creds.JWTSecret)
	handler := router.Setup()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
	return nil
}
