// Package config handles loading and validation of roomhub configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// ROOMHUB_ prefix:
//
//	server.address → ROOMHUB_SERVER_ADDRESS
//	rate_limit.max_messages → ROOMHUB_RATE_LIMIT_MAX_MESSAGES
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via ROOMHUB_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/roomhub/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level roomhub configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main hub server settings.
type ServerConfig struct {
	Address        string   `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string   `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string   `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string   `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string   `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// MaxMessageSize caps inbound WebSocket frame size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// SendBufferSize is the per-connection outbound queue length. A
	// connection whose queue is full is treated as dead and dropped.
	SendBufferSize int `yaml:"send_buffer_size" env:"SEND_BUFFER_SIZE"`

	// WebSocketIdleTimeout closes connections with no inbound traffic
	// (including pongs) for this duration.
	WebSocketIdleTimeout string `yaml:"websocket_idle_timeout" env:"WEBSOCKET_IDLE_TIMEOUT"`

	// MaxConnections caps the number of concurrent WebSocket connections
	// across the whole process. 0 means unlimited.
	MaxConnections int64 `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// MaxConnectionsPerUser limits concurrent WebSocket connections per
	// user identity (tabs/devices). 0 means unlimited.
	MaxConnectionsPerUser int64 `yaml:"max_connections_per_user" env:"MAX_CONNECTIONS_PER_USER"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AuthConfig holds bearer-token verification settings.
//
// The hub verifies HS256-signed tokens against Secret. When a presented
// token fails verification (bad signature, malformed, expired), the gate
// does NOT reject the request: the deployment model assumes an edge
// authorizer has already validated the caller, so the subject falls back
// to an upstream-trust sentinel. Only a completely absent credential is a
// hard failure. Do not tighten or loosen this without revisiting the
// deployment model.
type AuthConfig struct {
	Secret RedactedString `yaml:"secret" env:"SECRET"`

	// CacheEnabled turns on the verified-token cache. A miss only costs a
	// re-verification, so eviction is always safe.
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
}

// RateLimitConfig holds the per-user sliding-window limiter settings.
type RateLimitConfig struct {
	// MaxMessages is the number of user-authored messages allowed per window.
	MaxMessages int `yaml:"max_messages" env:"MAX_MESSAGES"`

	// Window is the trailing interval messages are counted over.
	Window string `yaml:"window" env:"WINDOW"`

	// IdleEviction is how long an identity's window may sit empty of
	// recent activity before the janitor drops its state.
	IdleEviction string `yaml:"idle_eviction" env:"IDLE_EVICTION"`
}

// EventsConfig holds optional usage event emission settings. When enabled,
// roomhub emits broadcast and rate-limit decisions as usage events to an
// external HTTP service (webhook pattern).
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:              ":8080",
			ReadTimeout:          "30s",
			WriteTimeout:         "30s",
			IdleTimeout:          "120s",
			DrainTimeout:         "30s",
			MaxMessageSize:       4096,
			SendBufferSize:       256,
			WebSocketIdleTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Auth: AuthConfig{
			CacheEnabled: true,
		},
		RateLimit: RateLimitConfig{
			MaxMessages:  30,
			Window:       "60s",
			IdleEviction: "5m",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "roomhub",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("ROOMHUB_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides. The config file path defaults to
// /etc/roomhub/config.yaml and can be overridden via ROOMHUB_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "ROOMHUB_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Info" or
// env values like "INFO" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks the configuration for invalid or inconsistent values.
// A missing auth secret is the only process-ending condition in the hub;
// everything past startup degrades instead of failing.
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address must not be empty")
	}
	if cfg.Auth.Secret.Value() == "" {
		return fmt.Errorf("auth.secret is required (set ROOMHUB_AUTH_SECRET)")
	}
	if cfg.RateLimit.MaxMessages <= 0 {
		return fmt.Errorf("rate_limit.max_messages must be positive, got %d", cfg.RateLimit.MaxMessages)
	}
	if _, err := time.ParseDuration(cfg.RateLimit.Window); err != nil {
		return fmt.Errorf("rate_limit.window: %w", err)
	}
	if cfg.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive, got %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Server.SendBufferSize <= 0 {
		return fmt.Errorf("server.send_buffer_size must be positive, got %d", cfg.Server.SendBufferSize)
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.MaxConnectionsPerUser < 0 {
		return fmt.Errorf("server.max_connections_per_user must not be negative, got %d", cfg.Server.MaxConnectionsPerUser)
	}
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level %q is invalid: must be debug, info, warn, or error", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format %q is invalid: must be json or text", cfg.Logging.Format)
	}
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1], got %g", cfg.Tracing.SampleRate)
	}
	return nil
}

// ParseDuration parses a duration string, returning the fallback when the
// string is empty or invalid.
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback, err
	}
	return d, nil
}
