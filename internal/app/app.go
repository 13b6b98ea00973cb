// Package app wires the relay components together and controls their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"testgen/config"
	"testgen/internal/cache"
	"testgen/internal/observability"
	"testgen/internal/relay"
	"testgen/internal/requestlog"
	"testgen/internal/server"
	"testgen/internal/upstream"
)

// App represents the main application with all its dependencies.
type App struct {
	config      *config.Config
	requestLog  *requestlog.Result
	statusCache cache.Cache
	client      *upstream.Client
	server      *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the options for creating an App.
type Config struct {
	// AppConfig is the result of config.Load.
	AppConfig *config.LoadResult

	// Registry receives the relay metrics. Nil uses the Prometheus default
	// registry.
	Registry *prometheus.Registry
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}

	appCfg := cfg.AppConfig.Config
	app := &App{config: appCfg}

	requestLog, err := requestlog.New(ctx, appCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request log: %w", err)
	}
	app.requestLog = requestLog

	statusCache, err := cache.New(appCfg.Cache)
	if err != nil {
		if closeErr := app.requestLog.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize status cache: %w (also: request log close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize status cache: %w", err)
	}
	app.statusCache = statusCache

	var recorder observability.Recorder = observability.NoopRecorder{}
	var gatherer prometheus.Gatherer
	if appCfg.Metrics.Enabled {
		var registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer = prometheus.DefaultGatherer
		if cfg.Registry != nil {
			registerer, gatherer = cfg.Registry, cfg.Registry
		}
		recorder = observability.NewPrometheusRecorder(registerer)
	}

	app.client = upstream.New(upstream.Config{
		URL:          appCfg.Upstream.URL,
		Model:        appCfg.Upstream.Model,
		SystemPrompt: appCfg.Upstream.SystemPrompt,
		Timeout:      time.Duration(appCfg.Upstream.TimeoutMs) * time.Millisecond,
	}, nil)

	handler := relay.NewHandler(app.client, relay.Options{
		Recorder:          recorder,
		RequestLog:        requestLog.Logger,
		StatusCache:       statusCache,
		InlineDiagnostics: appCfg.Upstream.InlineDiagnostics,
	})

	app.server = server.New(handler, &server.Config{
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		MetricsGatherer: gatherer,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		StaticDir:       appCfg.Server.StaticDir,
		CORSOrigins:     appCfg.Server.CORSOrigins,
		SwaggerEnabled:  appCfg.Server.SwaggerEnabled,
	})

	app.logStartupInfo(cfg.AppConfig.Source)

	return app, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("server listening", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// CheckUpstream logs whether the backend is reachable and has the model.
// It never fails startup; the relay reports backend errors per request.
func (a *App) CheckUpstream(ctx context.Context) {
	names, err := a.client.Models(ctx)
	if err != nil {
		slog.Warn("ollama is not reachable yet", "url", a.client.URL(), "error", err)
		return
	}
	if !a.client.HasModel(names) {
		slog.Warn("model is not installed",
			"model", a.client.Model(),
			"hint", fmt.Sprintf("ollama pull %s", a.client.Model()),
		)
		return
	}
	slog.Info("ollama is ready", "model", a.client.Model())
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first, then the status cache, then the request log
// (which flushes pending entries). It is idempotent and aggregates errors.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.statusCache != nil {
		if err := a.statusCache.Close(); err != nil {
			slog.Error("status cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if a.requestLog != nil {
		if err := a.requestLog.Close(); err != nil {
			slog.Error("request log close error", "error", err)
			errs = append(errs, fmt.Errorf("request log close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// Go runs fn in a new goroutine. A panic is logged with its stack instead
// of crashing the process.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

func (a *App) logStartupInfo(source string) {
	cfg := a.config

	if source != "" {
		slog.Info("configuration loaded", "file", source)
	}

	slog.Info("relay configured",
		"upstream", cfg.Upstream.URL,
		"model", cfg.Upstream.Model,
		"timeout", time.Duration(cfg.Upstream.TimeoutMs)*time.Millisecond,
		"inline_diagnostics", cfg.Upstream.InlineDiagnostics,
		"system_prompt_bytes", len(cfg.Upstream.SystemPrompt),
	)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("status cache configured", "type", cfg.Cache.Type, "ttl_seconds", cfg.Cache.StatusTTLSeconds)

	if cfg.RequestLog.Enabled {
		slog.Info("request log enabled",
			"storage_type", cfg.Storage.Type,
			"retention_days", cfg.RequestLog.RetentionDays,
		)
	} else {
		slog.Info("request log disabled")
	}

	if cfg.Server.StaticDir != "" {
		slog.Info("serving frontend", "dir", cfg.Server.StaticDir)
	}

	if cfg.Server.SwaggerEnabled {
		slog.Info("swagger UI enabled", "path", "/swagger/index.html")
	}
}
