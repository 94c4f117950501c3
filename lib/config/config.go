// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/transport"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "MESHROOM_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local experiments and tests.
	Development Environment = "development"
	// Production is for long-running peers and relays.
	Production Environment = "production"
)

// Config is the master configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// AppID namespaces every room. Peers with different app ids never
	// see each other.
	AppID string `yaml:"app_id"`

	// Room is the room joined when none is given on the command line.
	Room string `yaml:"room"`

	// Password seals session descriptions. Empty means the app id is
	// the only secret.
	Password string `yaml:"password"`

	// PoolSize is the number of offers kept ready. Zero selects the
	// orchestrator default; negative disables the pool.
	PoolSize int `yaml:"pool_size"`

	// Compression applies to the chat action: none, lz4, or zstd.
	Compression string `yaml:"compression"`

	Relay  RelayConfig         `yaml:"relay"`
	ICE    transport.ICEConfig `yaml:"ice"`
	Log    LogConfig           `yaml:"log"`
	Server ServerConfig        `yaml:"server"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Relay *RelayConfig `yaml:"relay,omitempty"`
	Log   *LogConfig   `yaml:"log,omitempty"`
}

// RelayConfig configures the WebSocket relay client.
type RelayConfig struct {
	// URLs are ws:// or wss:// relay endpoints.
	URLs []string `yaml:"urls"`

	// Redundancy is how many of URLs to connect to. Zero uses all.
	Redundancy int `yaml:"redundancy"`

	// ManualReconnection keeps dropped relays down until the user
	// asks to reconnect.
	ManualReconnection bool `yaml:"manual_reconnection"`

	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// ServerConfig configures meshroom-relay.
type ServerConfig struct {
	// Listen is the TCP address to serve on.
	Listen string `yaml:"listen"`

	// Path is the HTTP path of the WebSocket endpoint.
	Path string `yaml:"path"`
}

// Default returns the default configuration. Loading starts from these
// values, so a file only needs to name what it changes.
func Default() *Config {
	return &Config{
		Environment: Development,
		AppID:       "meshroom",
		Room:        "lobby",
		Compression: protocol.CompressionNone.String(),
		Relay: RelayConfig{
			URLs:       []string{"ws://127.0.0.1:7447/relay"},
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
		},
		ICE: transport.ICEConfig{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7447",
			Path:   "/relay",
		},
	}
}

// Load loads configuration from the file named by MESHROOM_CONFIG.
// There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your meshroom.yaml config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults, applies
// the section for the configured environment, and expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// loadFile merges one file into c. JSONC is reduced to plain JSON,
// which the YAML decoder reads as flow-style YAML.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".jsonc") {
		data = jsonc.ToJSON(data)
	}
	// Lists replace rather than merge.
	c.Relay.URLs = nil
	c.ICE.STUNURLs = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Relay.URLs == nil {
		c.Relay.URLs = Default().Relay.URLs
	}
	if c.ICE.STUNURLs == nil && len(c.ICE.TURN) == 0 {
		c.ICE.STUNURLs = Default().ICE.STUNURLs
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Log: &LogConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if relay := overrides.Relay; relay != nil {
		if len(relay.URLs) > 0 {
			c.Relay.URLs = relay.URLs
		}
		if relay.Redundancy != 0 {
			c.Relay.Redundancy = relay.Redundancy
		}
		// ManualReconnection is a bool, so it always applies.
		c.Relay.ManualReconnection = relay.ManualReconnection
		if relay.MinBackoff != 0 {
			c.Relay.MinBackoff = relay.MinBackoff
		}
		if relay.MaxBackoff != 0 {
			c.Relay.MaxBackoff = relay.MaxBackoff
		}
	}
	if log := overrides.Log; log != nil {
		if log.Level != "" {
			c.Log.Level = log.Level
		}
		if log.Format != "" {
			c.Log.Format = log.Format
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Password = expandVars(c.Password, vars)
	for index, raw := range c.Relay.URLs {
		c.Relay.URLs[index] = expandVars(raw, vars)
	}
	for index := range c.ICE.TURN {
		c.ICE.TURN[index].Username = expandVars(c.ICE.TURN[index].Username, vars)
		c.ICE.TURN[index].Password = expandVars(c.ICE.TURN[index].Password, vars)
	}
	c.Server.Listen = expandVars(c.Server.Listen, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.AppID == "" {
		errs = append(errs, errors.New("app_id is required"))
	}
	if len(c.Relay.URLs) == 0 {
		errs = append(errs, errors.New("relay.urls needs at least one URL"))
	}
	for _, raw := range c.Relay.URLs {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("relay.urls: %q is not a ws:// or wss:// URL", raw))
		}
	}
	if c.Relay.Redundancy < 0 {
		errs = append(errs, errors.New("relay.redundancy must not be negative"))
	}
	if c.Relay.MaxBackoff < c.Relay.MinBackoff {
		errs = append(errs, errors.New("relay.max_backoff must be at least relay.min_backoff"))
	}
	if _, err := protocol.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, not %q", c.Log.Format))
	}
	for index, turn := range c.ICE.TURN {
		if len(turn.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.turn[%d] has no urls", index))
		}
	}
	if c.Server.Path == "" || !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path must start with /, not %q", c.Server.Path))
	}

	return errors.Join(errs...)
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger builds the configured slog handler on stderr.
func (c *Config) Logger() (*slog.Logger, error) {
	level, err := c.Log.level()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
}
