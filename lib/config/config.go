// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "CHATSYNC_CONFIG"

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete client configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Presence PresenceConfig `yaml:"presence"`
	Messages MessagesConfig `yaml:"messages"`
	State    StateConfig    `yaml:"state"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment block may replace.
// Empty fields leave the base value alone.
type Overrides struct {
	Server   *ServerConfig   `yaml:"server,omitempty"`
	Realtime *RealtimeConfig `yaml:"realtime,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
	Metrics  *MetricsConfig  `yaml:"metrics,omitempty"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	// APIURL is the base of the request/response API, e.g.
	// https://chat.example.com/api.
	APIURL string `yaml:"api_url"`

	// WebSocketURL is the realtime endpoint, e.g.
	// wss://chat.example.com/ws.
	WebSocketURL string `yaml:"websocket_url"`

	// RequestTimeout bounds each API call. Default: 30s
	RequestTimeout string `yaml:"request_timeout"`
}

// SessionConfig tunes credential handling.
type SessionConfig struct {
	// RefreshSkew is how long before token expiry a connection
	// attempt refreshes first. Default: 30s
	RefreshSkew string `yaml:"refresh_skew"`
}

// RealtimeConfig tunes the realtime connection.
type RealtimeConfig struct {
	// ReconnectDelay is the first backoff delay. Default: 2s
	ReconnectDelay string `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the exponential backoff. Default: 30s
	MaxReconnectDelay string `yaml:"max_reconnect_delay"`

	// MaxReconnectAttempts is how many reconnects follow a failed
	// dial or a lost connection before the connection enters the
	// failed state. Default: 5
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Jitter is the fraction of each delay randomized. Default: 0.2
	Jitter float64 `yaml:"jitter"`

	// HeartbeatInterval is the STOMP heart-beat period in both
	// directions. Default: 10s
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// PresenceConfig tunes typing indicators.
type PresenceConfig struct {
	// TypingTTL is how long a typing indicator lives without a
	// refresh. Default: 5s
	TypingTTL string `yaml:"typing_ttl"`

	// TypingThrottle is the minimum gap between outgoing typing-start
	// publishes for one conversation. Default: 3s
	TypingThrottle string `yaml:"typing_throttle"`
}

// MessagesConfig tunes history loading.
type MessagesConfig struct {
	// PageSize is the number of messages fetched per page. Default: 50
	PageSize int `yaml:"page_size"`
}

// StateConfig locates the local cache snapshot.
type StateConfig struct {
	// Path is the snapshot file. Empty disables persistence.
	Path string `yaml:"path"`

	// IdentityFile is an age identity used to seal the snapshot.
	// Empty writes it unsealed.
	IdentityFile string `yaml:"identity_file"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`

	// Format is text, json, or auto (text on a terminal). Default: auto
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address is the listen address for /metrics. Empty disables it.
	Address string `yaml:"address"`
}

// Default returns the base configuration a file is loaded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			APIURL:         "http://localhost:8080/api",
			WebSocketURL:   "ws://localhost:8080/ws",
			RequestTimeout: "30s",
		},
		Session: SessionConfig{
			RefreshSkew: "30s",
		},
		Realtime: RealtimeConfig{
			ReconnectDelay:       "2s",
			MaxReconnectDelay:    "30s",
			MaxReconnectAttempts: 5,
			Jitter:               0.2,
			HeartbeatInterval:    "10s",
		},
		Presence: PresenceConfig{
			TypingTTL:      "5s",
			TypingThrottle: "3s",
		},
		Messages: MessagesConfig{
			PageSize: 50,
		},
		State: StateConfig{
			Path: "${HOME}/.local/state/chatsync/state.bin",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads the file named by CHATSYNC_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your chatsync config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over [Default], applies the
// matching environment section, and expands variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// YAML is a superset of JSON, so the cleaned document decodes
		// with the same struct tags.
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	cfg.expandVariables(dotenv)
	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Logging: &LoggingConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		overrideString(&c.Server.APIURL, server.APIURL)
		overrideString(&c.Server.WebSocketURL, server.WebSocketURL)
		overrideString(&c.Server.RequestTimeout, server.RequestTimeout)
	}
	if realtime := overrides.Realtime; realtime != nil {
		overrideString(&c.Realtime.ReconnectDelay, realtime.ReconnectDelay)
		overrideString(&c.Realtime.MaxReconnectDelay, realtime.MaxReconnectDelay)
		overrideString(&c.Realtime.HeartbeatInterval, realtime.HeartbeatInterval)
		if realtime.MaxReconnectAttempts != 0 {
			c.Realtime.MaxReconnectAttempts = realtime.MaxReconnectAttempts
		}
		if realtime.Jitter != 0 {
			c.Realtime.Jitter = realtime.Jitter
		}
	}
	if logging := overrides.Logging; logging != nil {
		overrideString(&c.Logging.Level, logging.Level)
		overrideString(&c.Logging.Format, logging.Format)
	}
	if metrics := overrides.Metrics; metrics != nil {
		overrideString(&c.Metrics.Address, metrics.Address)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables(dotenv map[string]string) {
	for _, field := range []*string{
		&c.Server.APIURL,
		&c.Server.WebSocketURL,
		&c.State.Path,
		&c.State.IdentityFile,
		&c.Metrics.Address,
	} {
		*field = expandVars(*field, dotenv)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. The process
// environment takes precedence over dotenv values.
func expandVars(s string, dotenv map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := os.Getenv(name); value != "" {
			return value
		}
		if value := dotenv[name]; value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if err := checkURL(c.Server.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("server.api_url: %w", err))
	}
	if err := checkURL(c.Server.WebSocketURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("server.websocket_url: %w", err))
	}

	for name, value := range map[string]string{
		"server.request_timeout":       c.Server.RequestTimeout,
		"session.refresh_skew":         c.Session.RefreshSkew,
		"realtime.reconnect_delay":     c.Realtime.ReconnectDelay,
		"realtime.max_reconnect_delay": c.Realtime.MaxReconnectDelay,
		"realtime.heartbeat_interval":  c.Realtime.HeartbeatInterval,
		"presence.typing_ttl":          c.Presence.TypingTTL,
		"presence.typing_throttle":     c.Presence.TypingThrottle,
	} {
		if duration, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if duration < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}

	if c.Realtime.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts must be at least 1"))
	}
	if c.Realtime.Jitter < 0 || c.Realtime.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("realtime.jitter must be in [0, 1)"))
	}
	if c.Messages.PageSize < 1 {
		errs = append(errs, fmt.Errorf("messages.page_size must be at least 1"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error"))
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be one of auto, text, json"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			if parsed.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v", schemes)
}

// Duration parses a duration field. Fields are checked by Validate, so
// an unparseable value here yields zero.
func Duration(value string) time.Duration {
	duration, _ := time.ParseDuration(value)
	return duration
}
