// Crewdeck - orchestration console for AI coding-agent CLIs
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/avoss/crewdeck/internal/api"
	"github.com/avoss/crewdeck/internal/config"
	"github.com/avoss/crewdeck/internal/core"
	"github.com/avoss/crewdeck/internal/eventbus"
	"github.com/avoss/crewdeck/internal/launcher"
	"github.com/avoss/crewdeck/internal/middleware"
	"github.com/avoss/crewdeck/internal/sandbox"
	"github.com/avoss/crewdeck/internal/store"
	"github.com/avoss/crewdeck/internal/stream"
	"github.com/avoss/crewdeck/internal/usage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting crewdeck", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	lifetime, err := usage.Load(context.Background(), repo, logger)
	if err != nil {
		slog.Error("Failed to load lifetime usage", "error", err)
		os.Exit(1)
	}

	var sandboxMgr sandbox.Manager
	if cfg.Sandbox.Enabled {
		mgr, err := sandbox.NewDockerManager(cfg.Sandbox.Image, cfg.Sandbox.Runtime, logger)
		if err != nil {
			slog.Error("Failed to initialize sandbox manager", "error", err)
			os.Exit(1)
		}
		sandboxMgr = mgr
		slog.Info("Sandbox manager initialized", "image", cfg.Sandbox.Image, "runtime", cfg.Sandbox.Runtime)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize services.
	bus := eventbus.New(logger)
	launch := launcher.New(logger)
	orchestrator := core.New(launch, bus, repo, lifetime, core.Options{
		Shell:           cfg.Shell,
		SynopsisEnabled: cfg.SynopsisEnabled,
		Sandbox:         sandboxMgr,
	}, logger)
	launch.Start(orchestrator)

	// Initialize handlers.
	baseHandler := api.NewHandler(orchestrator, lifetime, repo, cfg.ContextWindowTokens)
	sessionHandler := api.NewSessionHandler(baseHandler)
	batchHandler := api.NewBatchHandler(baseHandler)
	usageHandler := api.NewUsageHandler(baseHandler)
	scrollback := stream.StartScrollback(ctx, bus, logger)
	terminalWS := stream.NewTerminalHandler(orchestrator, bus, scrollback, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	eventsWS := stream.NewEventsHandler(bus, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	sessionHandler.RegisterRoutes(r)
	batchHandler.RegisterRoutes(r)
	usageHandler.RegisterRoutes(r)

	// WebSocket endpoints.
	r.Get("/ws/events", eventsWS.ServeHTTP)
	r.Get("/ws/terminal/{sessionID}", terminalWS.ServeHTTP)

	// Create server. No WriteTimeout: WebSocket streams stay open for the
	// life of the client.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if sandboxMgr != nil {
		sandbox.StartReaper(ctx, sandboxMgr, cfg.Sandbox.TTL, orchestrator.ExpiredSandboxSessions)
		slog.Info("Sandbox reaper started", "ttl", cfg.Sandbox.TTL)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	launch.Close()
	if err := lifetime.Close(shutdownCtx); err != nil {
		slog.Error("Failed to flush lifetime usage", "error", err)
	}

	slog.Info("Server stopped successfully")
}
