// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/config"
	"github.com/bureau-foundation/meshroom/lib/version"
	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/relay/wsrelay"
	"github.com/bureau-foundation/meshroom/room"
)

// leaveTimeout bounds the goodbye to peers on exit.
const leaveTimeout = 3 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "meshroom: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line settings layered over the config file.
type options struct {
	configPath     string
	appID          string
	peerID         string
	relays         []string
	compression    string
	logLevel       string
	promptPassword bool
	showVersion    bool
	room           string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("meshroom", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.configPath, "config", "", "path to config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.appID, "app-id", "", "application namespace (overrides app_id)")
	flagSet.StringVar(&opts.peerID, "peer-id", "", "local peer id (default: random)")
	flagSet.StringSliceVar(&opts.relays, "relay", nil, "relay URL, repeatable (overrides relay.urls)")
	flagSet.StringVar(&opts.compression, "compression", "", "chat compression: none, lz4, zstd")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.BoolVarP(&opts.promptPassword, "password", "p", false, "prompt for the room password")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	switch rest := flagSet.Args(); len(rest) {
	case 0:
	case 1:
		opts.room = rest[0]
	default:
		return nil, fmt.Errorf("unexpected argument: %s", rest[1])
	}
	return &opts, nil
}

// loadConfig reads the config file if one is named and applies flag
// overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if opts.appID != "" {
		cfg.AppID = opts.appID
	}
	if len(opts.relays) > 0 {
		cfg.Relay.URLs = opts.relays
	}
	if opts.compression != "" {
		cfg.Compression = opts.compression
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.room != "" {
		cfg.Room = opts.room
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("meshroom")
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	password := cfg.Password
	if opts.promptPassword {
		if password, err = readPassword(); err != nil {
			return err
		}
	}
	compression, err := protocol.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := wsrelay.NewAdapter(wsrelay.Config{
		URLs:               cfg.Relay.URLs,
		Redundancy:         cfg.Relay.Redundancy,
		ManualReconnection: cfg.Relay.ManualReconnection,
		MinBackoff:         cfg.Relay.MinBackoff,
		MaxBackoff:         cfg.Relay.MaxBackoff,
		Logger:             logger.With("component", "relay"),
	})
	if err != nil {
		return err
	}
	defer adapter.Close()

	strategy, err := room.NewStrategy(adapter, room.StrategyConfig{
		AppID:    cfg.AppID,
		SelfID:   opts.peerID,
		RTC:      cfg.ICE.Configuration(),
		PoolSize: cfg.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("joining room",
		"version", version.Info(),
		"app_id", cfg.AppID,
		"room", cfg.Room,
		"peer_id", strategy.SelfID(),
		"relays", len(cfg.Relay.URLs),
	)
	joined, err := strategy.Join(ctx, cfg.Room, room.JoinOptions{
		Password: password,
		OnJoinError: func(joinErr *room.JoinError) {
			fmt.Fprintf(os.Stderr, "! %s: %v\n", joinErr.PeerID, joinErr.Err)
		},
	})
	if err != nil {
		return err
	}

	chat, err := newChat(joined, adapter, compression, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "joined %s as %s\n", cfg.Room, strategy.SelfID())

	lines := readLines(os.Stdin)
	err = chat.run(ctx, lines)

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if closeErr := strategy.Close(leaveCtx); closeErr != nil {
		logger.Warn("leaving room", "error", closeErr)
	}
	return err
}

// readPassword prompts on the terminal with echo disabled.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the password prompt")
	}
	fmt.Fprint(os.Stderr, "Room password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}
