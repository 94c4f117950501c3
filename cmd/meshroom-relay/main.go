// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Meshroom-relay serves the WebSocket topic relay that meshroom peers
// use to find each other and exchange sealed session descriptions.
// It never sees plaintext signaling or peer traffic.
//
//	meshroom-relay [--listen addr] [--path /relay] [--config file]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/meshroom/lib/config"
	"github.com/bureau-foundation/meshroom/lib/version"
	"github.com/bureau-foundation/meshroom/relay/wsrelay"
)

// shutdownTimeout bounds draining in-flight HTTP requests on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "meshroom-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, listen, path, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("meshroom-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&listen, "listen", "", "TCP address to serve on (overrides server.listen)")
	flagSet.StringVar(&path, "path", "", "WebSocket endpoint path (overrides server.path)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("meshroom-relay")
		return nil
	}

	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if path != "" {
		cfg.Server.Path = path
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	logger.Info("starting meshroom-relay",
		"version", version.Info(),
		"address", listener.Addr().String(),
		"path", cfg.Server.Path,
	)
	return serve(ctx, listener, cfg.Server.Path, logger)
}

// serve runs the relay on listener until ctx is cancelled.
func serve(ctx context.Context, listener net.Listener, path string, logger *slog.Logger) error {
	relay := wsrelay.NewServer(wsrelay.ServerConfig{Logger: logger})
	mux := http.NewServeMux()
	mux.Handle(path, relay)
	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		stats := relay.Stats()
		writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(writer, fmt.Sprintf("ok clients=%d topics=%d published=%d dropped=%d\n",
			stats.Clients, stats.Topics, stats.Published, stats.Dropped))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	relay.DisconnectAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
