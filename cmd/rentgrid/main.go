package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/container"
	"github.com/rentgrid/backend/internal/correlation"
	"github.com/rentgrid/backend/internal/handler"
)

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependency container
	ctr, err := container.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(correlation.Middleware)
	r.Use(correlation.RequestLogger(logger))
	r.Use(apierrors.ErrorHandler)
	r.Use(ctr.Metrics().Middleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", correlation.HeaderName},
		ExposedHeaders:   []string{correlation.HeaderName},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ctr.Health(ctx)
		code := http.StatusOK
		status["status"] = "healthy"
		if !container.Healthy(status) {
			code = http.StatusServiceUnavailable
			status["status"] = "unhealthy"
		}
		handler.WriteJSON(w, code, status)
	})
	r.Handle("/metrics", promhttp.HandlerFor(ctr.Registry(), promhttp.HandlerOpts{}))

	// Realtime gateway authenticates during the upgrade and must not be
	// wrapped in a timeout.
	r.Handle("/ws", ctr.Gateway())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		handler.Handlers{
			Bookings:  handler.NewBookingHandler(ctr.Bookings()),
			Alerts:    handler.NewAlertHandler(ctr.Alerts()),
			Resources: handler.NewResourceHandler(ctr.Monitor()),
		}.Mount(r, ctr.JWT())
	})

	// Start background work
	ctr.Start(ctx)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RentGrid API server starting", "addr", addr, "storage", cfg.Storage.Driver, "chain", cfg.Chain.Mode)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := ctr.Stop(shutdownCtx); err != nil {
		logger.Error("container shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
