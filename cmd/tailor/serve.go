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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/tailor/internal/agent"
	"github.com/ashureev/tailor/internal/api"
	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/identity"
	"github.com/ashureev/tailor/internal/middleware"
	"github.com/ashureev/tailor/internal/sessions"
)

const (
	shutdownTimeout    = 10 * time.Second
	grpcHealthInterval = 15 * time.Second
)

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transcript API server",
		Long: `Start the HTTP server exposing the transcript API over JSON, SSE and
WebSocket, plus /health, /ready and /metrics.

When GRPC_PORT is set a gRPC health service is started alongside it.
Idle sessions are evicted every SESSION_SWEEP_INTERVAL.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("Failed to release resources", "error", closeErr)
		}
	}()

	handler := agent.NewHandler(a.svc, a.sessions, a.artifacts, a.extractor, cfg, logger)
	defer handler.Close()
	healthHandler := api.NewHealthHandler(a.repo, a.sessions.Active)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", a.metrics.Handler())
	handler.RegisterRoutes(r)

	// SSE responses are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if cfg.GRPCPort != "" {
		g.Go(func() error {
			if err := api.NewHealthServer(a.repo, logger).Serve(gctx, ":"+cfg.GRPCPort, grpcHealthInterval); err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return sessions.RunTTLWorker(gctx, a.sessions, cfg.SessionSweepInterval, a.metrics.SessionsSwept)
	})

	waitErr := g.Wait()

	// Detached turns outlive their requests; let them save before the
	// stores close.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Loop.TurnTimeout+shutdownTimeout)
	defer cancel()
	if err := a.svc.Wait(drainCtx); err != nil {
		logger.Error("Turns did not finish before exit", "error", err)
	}

	if waitErr != nil {
		return waitErr
	}
	logger.Info("Server stopped successfully")
	return nil
}

// allowedOrigins restricts CORS to the frontend in production.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "*" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
