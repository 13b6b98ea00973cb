// Package server provides the HTTP surface of the relay: routing, middleware
// and static file serving.
package server

import (
	"context"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	echoSwagger "github.com/swaggo/echo-swagger"

	"testgen/config"
	"testgen/internal/relay"
)

const defaultMetricsPath = "/metrics"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *relay.Handler
}

// Config holds server configuration options
type Config struct {
	MetricsEnabled  bool                // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string              // HTTP path for metrics endpoint (default: /metrics)
	MetricsGatherer prometheus.Gatherer // Source of metrics (default: prometheus.DefaultGatherer)
	BodySizeLimit   int64               // Max request body size in bytes (default: 1MB)
	StaticDir       string              // Frontend directory served with SPA fallback; empty disables
	CORSOrigins     []string            // Allowed origins (default: all)
	SwaggerEnabled  bool                // Whether to expose the Swagger UI at /swagger/index.html
}

// New creates a new HTTP server
func New(handler *relay.Handler, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}

	// Global middleware stack (order matters)
	e.Use(RequestIDMiddleware())
	e.Use(RequestLoggerMiddleware())
	e.Use(RecoverMiddleware())
	e.Use(NoCacheMiddleware())
	e.Use(CORSMiddleware(cfg.CORSOrigins))
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))
	e.Use(DecompressMiddleware(bodySizeLimit))

	e.GET("/health", health)
	if cfg.MetricsEnabled {
		gatherer := cfg.MetricsGatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath(cfg.MetricsEndpoint), echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.POST("/api/generate", handler.Generate)
	e.GET("/api/status", handler.Status)

	if cfg.SwaggerEnabled {
		e.GET("/swagger/*", echoSwagger.WrapHandler)
	}

	if cfg.StaticDir != "" {
		e.GET("/*", spaHandler(os.DirFS(cfg.StaticDir)))
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsPath normalizes the configured endpoint. Paths that would shadow
// the API or the health check fall back to /metrics.
func metricsPath(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/health" || p == "/api" || strings.HasPrefix(p, "/api/") {
		return defaultMetricsPath
	}
	return p
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
