// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/trail-outbox/internal/config"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/pkg/auth"
	"github.com/bissquit/trail-outbox/internal/pkg/ctxlog"
	"github.com/bissquit/trail-outbox/internal/pkg/httputil"
	"github.com/bissquit/trail-outbox/internal/pkg/metrics"
	"github.com/bissquit/trail-outbox/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	runtime       *Runtime
	server        *http.Server
	metricsServer *http.Server
}

// New creates a new application instance.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := InitLogger(cfg.Log)

	rt, err := BuildOutbox(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build outbox: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  logger,
		runtime: rt,
	}

	router, err := app.setupRouter()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run serves the API, the metrics endpoint and the sync machinery until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	if a.runtime.Monitor != nil {
		g.Go(func() error {
			return a.runtime.Monitor.Run(gctx)
		})
	}

	g.Go(func() error {
		a.collectMetrics(gctx)
		return nil
	})

	a.runtime.Trigger.Start(gctx, a.runtime.Outbox)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the trigger first, then both servers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.runtime.Trigger.Stop()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the store. Call it after Run returns.
func (a *App) Close() error {
	return a.runtime.Close()
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Runtime returns the wired outbox.
func (a *App) Runtime() *Runtime {
	return a.runtime
}

func (a *App) collectMetrics(ctx context.Context) {
	a.recordMetrics(ctx)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordMetrics(ctx context.Context) {
	if a.runtime.Pool != nil {
		metrics.RecordDBPoolMetrics(a.runtime.Pool)
	}

	n, err := a.runtime.Outbox.Count(ctx)
	if err != nil {
		slog.Error("failed to count pending actions", "error", err)
		return
	}
	outbox.RecordPending(n)

	letters, err := a.runtime.Outbox.DeadLetters(ctx, 0)
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		return
	}
	metrics.DeadLetters.Set(float64(len(letters)))
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	authMiddleware := httputil.ForwardTokenMiddleware
	if a.config.Auth.Enabled {
		validator, err := auth.NewValidator(auth.Config{
			SecretKey: a.config.Auth.SecretKey,
			Issuer:    a.config.Auth.Issuer,
			Leeway:    a.config.Auth.Leeway,
		})
		if err != nil {
			return nil, err
		}
		authMiddleware = httputil.AuthMiddleware(validator)
	} else {
		a.logger.Warn("api authentication disabled")
	}

	outboxHandler := outbox.NewHandler(a.runtime.Outbox)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)
		outboxHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.runtime.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

// InitLogger builds the process logger and installs it as the slog default.
func InitLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
