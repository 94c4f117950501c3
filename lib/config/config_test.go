// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.AppID != "meshroom" {
		t.Errorf("expected app_id=meshroom, got %s", cfg.AppID)
	}
	if len(cfg.Relay.URLs) != 1 {
		t.Errorf("expected one default relay, got %v", cfg.Relay.URLs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoad_RequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when MESHROOM_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "MESHROOM_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithEnvVar(t *testing.T) {
	path := writeConfig(t, "meshroom.yaml", `
app_id: chess
room: table-1
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AppID != "chess" || cfg.Room != "table-1" {
		t.Errorf("got app_id=%s room=%s", cfg.AppID, cfg.Room)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, "meshroom.yaml", `
app_id: chess
password: hunter2
pool_size: 5
compression: zstd

relay:
  urls:
    - wss://relay-a.example/relay
    - wss://relay-b.example/relay
  redundancy: 1
  manual_reconnection: true
  min_backoff: 500ms
  max_backoff: 1m

ice:
  stun_urls: [stun:stun.example:3478]
  turn:
    - urls: [turn:turn.example:3478]
      username: user
      password: pass

log:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Password != "hunter2" || cfg.PoolSize != 5 || cfg.Compression != "zstd" {
		t.Errorf("top-level fields: %+v", cfg)
	}
	if len(cfg.Relay.URLs) != 2 || cfg.Relay.Redundancy != 1 || !cfg.Relay.ManualReconnection {
		t.Errorf("relay: %+v", cfg.Relay)
	}
	if cfg.Relay.MinBackoff != 500*time.Millisecond || cfg.Relay.MaxBackoff != time.Minute {
		t.Errorf("backoff: %v..%v", cfg.Relay.MinBackoff, cfg.Relay.MaxBackoff)
	}
	if servers := cfg.ICE.Servers(); len(servers) != 2 || servers[1].Username != "user" {
		t.Errorf("ice servers: %+v", servers)
	}
	// Unset fields keep their defaults.
	if cfg.Room != "lobby" || cfg.Log.Format != "text" || cfg.Log.Level != "debug" {
		t.Errorf("defaults lost: room=%s log=%+v", cfg.Room, cfg.Log)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	path := writeConfig(t, "meshroom.jsonc", `{
  // Shared with the browser build.
  "app_id": "whiteboard",
  "relay": {
    "urls": ["ws://localhost:9000/relay"], /* one local relay */
    "max_backoff": "10s",
  },
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.AppID != "whiteboard" {
		t.Errorf("app_id = %s", cfg.AppID)
	}
	if len(cfg.Relay.URLs) != 1 || cfg.Relay.URLs[0] != "ws://localhost:9000/relay" {
		t.Errorf("relay urls = %v", cfg.Relay.URLs)
	}
	if cfg.Relay.MaxBackoff != 10*time.Second {
		t.Errorf("max_backoff = %v", cfg.Relay.MaxBackoff)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "meshroom.yaml", `
environment: production
relay:
  urls: [ws://localhost:7447/relay]
production:
  relay:
    urls: [wss://relay.example/relay]
    manual_reconnection: true
  log:
    level: warn
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Relay.URLs[0] != "wss://relay.example/relay" {
		t.Errorf("production relay not applied: %v", cfg.Relay.URLs)
	}
	if !cfg.Relay.ManualReconnection {
		t.Error("expected manual_reconnection from production section")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %s", cfg.Log.Level)
	}
}

func TestProductionDefaultsToJSONLogs(t *testing.T) {
	path := writeConfig(t, "meshroom.yaml", "environment: production\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("production log format = %s, want json", cfg.Log.Format)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("MESHROOM_TEST_PASSWORD", "from-env")
	t.Setenv("MESHROOM_TEST_RELAY", "")
	path := writeConfig(t, "meshroom.yaml", `
password: ${MESHROOM_TEST_PASSWORD}
relay:
  urls: ["${MESHROOM_TEST_RELAY:-ws://fallback:7447/relay}"]
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Password != "from-env" {
		t.Errorf("password = %q", cfg.Password)
	}
	if cfg.Relay.URLs[0] != "ws://fallback:7447/relay" {
		t.Errorf("relay url = %q", cfg.Relay.URLs[0])
	}
}

func TestExpandVars(t *testing.T) {
	vars := map[string]string{"HOME": "/home/test"}
	tests := []struct {
		input string
		want  string
	}{
		{input: "${HOME}/x", want: "/home/test/x"},
		{input: "${MESHROOM_UNSET_VAR:-default}", want: "default"},
		{input: "${MESHROOM_UNSET_VAR}", want: ""},
		{input: "plain", want: "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "environment", mutate: func(c *Config) { c.Environment = "staging" }, want: "invalid environment"},
		{name: "app id", mutate: func(c *Config) { c.AppID = "" }, want: "app_id is required"},
		{name: "no relays", mutate: func(c *Config) { c.Relay.URLs = nil }, want: "relay.urls"},
		{name: "http relay", mutate: func(c *Config) { c.Relay.URLs = []string{"http://relay"} }, want: "not a ws://"},
		{name: "backoff", mutate: func(c *Config) { c.Relay.MaxBackoff = time.Millisecond }, want: "max_backoff"},
		{name: "compression", mutate: func(c *Config) { c.Compression = "gzip" }, want: "compression"},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log.level"},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
		{name: "server path", mutate: func(c *Config) { c.Server.Path = "relay" }, want: "server.path"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if logger.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !logger.Enabled(t.Context(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}
