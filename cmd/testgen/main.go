// Package main is the entry point for the testgen relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "testgen/cmd/testgen/docs"
	"testgen/config"
	"testgen/internal/app"
	"testgen/internal/logging"
	"testgen/internal/version"
)

// @title          testgen API
// @version        0.1.0
// @description    Streams QA test cases generated by a local Ollama model from a feature description.
// @BasePath       /
func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Bootstrap logger until the configured one is available
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	result, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(result.Config.Log)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("starting testgen",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	application, err := app.New(context.Background(), app.Config{AppConfig: result})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		closeLog()
		os.Exit(1)
	}

	app.Go("upstream check", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		application.CheckUpstream(ctx)
	})

	stopped := make(chan struct{})
	app.Go("signal handler", func() {
		defer close(stopped)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("application shutdown error", "error", err)
		}
	})

	addr := result.Config.Server.Address()
	slog.Info(fmt.Sprintf("testgen relay running on http://%s", addr),
		"upstream", result.Config.Upstream.URL,
		"model", result.Config.Upstream.Model,
	)

	if err := application.Start(addr); err != nil {
		slog.Error("application failed", "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = application.Shutdown(shutdownCtx)
		cancel()
		closeLog()
		os.Exit(1)
	}

	// Start returns as soon as the listener closes; wait for the flush.
	<-stopped
}
