// Package config loads the broker configuration from an optional YAML file
// and DUOLINK_* environment variables, environment taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for configuration environment variables.
//
// A double underscore separates sections, a single underscore stays part of
// the key: DUOLINK_SIGNALING__AUTH_TIMEOUT maps to signaling.auth_timeout.
const EnvPrefix = "DUOLINK_"

const (
	DefaultListenAddr = "127.0.0.1:8080"

	// DefaultSessionExpiry applies when a create request omits expires_in_seconds.
	DefaultSessionExpiry = 10 * time.Minute
	// DefaultMaxSessionExpiry clamps caller-chosen expiries.
	DefaultMaxSessionExpiry = 24 * time.Hour

	DefaultSignalingAuthTimeout          = 10 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 << 10
	DefaultMaxSignalingMessagesPerSecond = 25

	DefaultShutdownTimeout = 15 * time.Second
)

// StoreBackend names a session store implementation.
type StoreBackend string

const (
	StoreBackendBadger StoreBackend = "badger"
	StoreBackendMemory StoreBackend = "memory"
)

// Config is the fully validated runtime configuration.
type Config struct {
	ListenAddr    string
	PublicBaseURL string

	// AllowedOrigins is the browser Origin allowlist for the REST API and the
	// signaling WebSocket. Empty means same-host only.
	AllowedOrigins []string

	DefaultSessionExpiry time.Duration
	MaxSessionExpiry     time.Duration

	StoreBackend     StoreBackend
	BadgerDir        string
	BadgerSyncWrites bool

	// RequireAuthProof makes the relay verify the capability proof presented
	// in auth messages. Off by default: possession of the session identifier
	// is the documented credential, the proof is opt-in hardening.
	RequireAuthProof bool

	SignalingAuthTimeout          time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	LogLevel  slog.Level
	LogFormat LogFormat

	ShutdownTimeout time.Duration
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// spec is the raw koanf-tagged shape of the config sources.
type spec struct {
	ListenAddr     string `koanf:"listen_addr"`
	PublicBaseURL  string `koanf:"public_base_url"`
	AllowedOrigins string `koanf:"allowed_origins"`

	Session struct {
		DefaultExpiry time.Duration `koanf:"default_expiry"`
		MaxExpiry     time.Duration `koanf:"max_expiry"`
	} `koanf:"session"`

	Store struct {
		Backend    string `koanf:"backend"`
		Dir        string `koanf:"dir"`
		SyncWrites bool   `koanf:"sync_writes"`
	} `koanf:"store"`

	Signaling struct {
		AuthTimeout          time.Duration `koanf:"auth_timeout"`
		MaxMessageBytes      int64         `koanf:"max_message_bytes"`
		MaxMessagesPerSecond int           `koanf:"max_messages_per_second"`
		RequireAuthProof     bool          `koanf:"require_auth_proof"`
	} `koanf:"signaling"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr": DefaultListenAddr,
		"session": map[string]any{
			"default_expiry": DefaultSessionExpiry.String(),
			"max_expiry":     DefaultMaxSessionExpiry.String(),
		},
		"store": map[string]any{
			"backend": string(StoreBackendBadger),
			"dir":     "",
		},
		"signaling": map[string]any{
			"auth_timeout":            DefaultSignalingAuthTimeout.String(),
			"max_message_bytes":       DefaultMaxSignalingMessageBytes,
			"max_messages_per_second": DefaultMaxSignalingMessagesPerSecond,
		},
		"log": map[string]any{
			"level":  "info",
			"format": "json",
		},
		"shutdown_timeout": DefaultShutdownTimeout.String(),
	}
}

// Load reads the configuration. filePath may be empty.
func Load(filePath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		return envKey(key), value
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	var raw spec
	if err := k.Unmarshal("", &raw); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return raw.validate()
}

// envKey maps DUOLINK_SIGNALING__AUTH_TIMEOUT to signaling.auth_timeout.
func envKey(envVar string) string {
	key := strings.TrimPrefix(envVar, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

func (raw spec) validate() (Config, error) {
	cfg := Config{
		ListenAddr:    raw.ListenAddr,
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(raw.PublicBaseURL), "/"),

		DefaultSessionExpiry: raw.Session.DefaultExpiry,
		MaxSessionExpiry:     raw.Session.MaxExpiry,

		BadgerDir:        raw.Store.Dir,
		BadgerSyncWrites: raw.Store.SyncWrites,

		RequireAuthProof:              raw.Signaling.RequireAuthProof,
		SignalingAuthTimeout:          raw.Signaling.AuthTimeout,
		MaxSignalingMessageBytes:      raw.Signaling.MaxMessageBytes,
		MaxSignalingMessagesPerSecond: raw.Signaling.MaxMessagesPerSecond,

		ShutdownTimeout: raw.ShutdownTimeout,
	}

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: listen_addr must not be empty")
	}

	if cfg.DefaultSessionExpiry <= 0 {
		return Config{}, fmt.Errorf("config: session.default_expiry must be positive")
	}
	if cfg.MaxSessionExpiry <= 0 {
		return Config{}, fmt.Errorf("config: session.max_expiry must be positive")
	}
	if cfg.DefaultSessionExpiry > cfg.MaxSessionExpiry {
		return Config{}, fmt.Errorf("config: session.default_expiry %s exceeds session.max_expiry %s",
			cfg.DefaultSessionExpiry, cfg.MaxSessionExpiry)
	}

	switch StoreBackend(raw.Store.Backend) {
	case StoreBackendBadger:
		cfg.StoreBackend = StoreBackendBadger
	case StoreBackendMemory:
		cfg.StoreBackend = StoreBackendMemory
	default:
		return Config{}, fmt.Errorf("config: unknown store.backend %q", raw.Store.Backend)
	}

	if cfg.SignalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("config: signaling.auth_timeout must be positive")
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("config: signaling.max_message_bytes must be positive")
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("config: signaling.max_messages_per_second must be positive")
	}

	origins, err := parseAllowedOrigins(raw.AllowedOrigins)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = origins

	level, err := parseLogLevel(raw.Log.Level)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	format, err := parseLogFormat(raw.Log.Format)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return cfg, nil
}

// ClampExpiry applies the configured bounds to a caller-chosen expiry.
// Zero means "use the default".
func (c Config) ClampExpiry(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultSessionExpiry
	}
	if requested > c.MaxSessionExpiry {
		return c.MaxSessionExpiry
	}
	return requested
}

func parseAllowedOrigins(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return nil, fmt.Errorf("config: invalid allowed origin %q", origin)
		}
		origins = append(origins, origin)
	}
	return origins, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log.level %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return LogFormatJSON, nil
	case "text":
		return LogFormatText, nil
	default:
		return "", fmt.Errorf("config: unknown log.format %q", raw)
	}
}

// NewLogger constructs the process logger described by the configuration.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
