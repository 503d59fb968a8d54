// Package config provides configuration management for the datachat client.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the datachat client.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Stream     StreamConfig     `mapstructure:"stream"`
	LocalState LocalStateConfig `mapstructure:"localState"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds backend endpoint configuration.
type ServerConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds, for non-streaming requests
}

// StreamConfig holds streaming session configuration.
type StreamConfig struct {
	// ReconcileDelay is the settling delay before the post-stream
	// reconciliation fetch, in milliseconds.
	ReconcileDelay int `mapstructure:"reconcileDelay"`

	// IdleTimeout aborts a stream that delivers no bytes for this many
	// milliseconds. Zero disables the timeout; a stalled feed then blocks
	// until cancelled, which is the protocol default.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// MessageFetchLimit caps how many messages the reconciliation fetch asks for.
	MessageFetchLimit int `mapstructure:"messageFetchLimit"`
}

// LocalStateConfig holds the per-profile local state location.
type LocalStateConfig struct {
	Path string `mapstructure:"path"`
}

// ChatConfig holds client-side chat defaults.
type ChatConfig struct {
	// ContextWindow is the system default used when neither a per-thread
	// config nor the backend supplies one.
	ContextWindow int `mapstructure:"contextWindow"`

	// ThreadListLimit caps the thread listing request.
	ThreadListLimit int `mapstructure:"threadListLimit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeoutDuration returns the request timeout as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// ReconcileDelayDuration returns the settling delay as a time.Duration.
func (s *StreamConfig) ReconcileDelayDuration() time.Duration {
	return time.Duration(s.ReconcileDelay) * time.Millisecond
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
// Zero means no timeout.
func (s *StreamConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: json in production, human-readable text otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("DATACHAT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultStatePath places the sqlite profile under the user config dir.
func defaultStatePath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "datachat.db"
	}
	return filepath.Join(base, "datachat", "state.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.baseUrl", "http://localhost:8000")
	v.SetDefault("server.requestTimeout", 30)

	// Stream defaults
	v.SetDefault("stream.reconcileDelay", 500)
	v.SetDefault("stream.idleTimeout", 0)
	v.SetDefault("stream.messageFetchLimit", 50)

	// Local state defaults
	v.SetDefault("localState.path", defaultStatePath())

	// Chat defaults
	v.SetDefault("chat.contextWindow", 128000)
	v.SetDefault("chat.threadListLimit", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DATACHAT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.config/datachat/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DATACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.baseUrl", "DATACHAT_SERVER_BASE_URL")
	_ = v.BindEnv("stream.reconcileDelay", "DATACHAT_STREAM_RECONCILE_DELAY")
	_ = v.BindEnv("stream.idleTimeout", "DATACHAT_STREAM_IDLE_TIMEOUT")
	_ = v.BindEnv("localState.path", "DATACHAT_LOCAL_STATE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if base, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(base, "datachat"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.baseUrl must not be empty")
	}
	if cfg.Stream.ReconcileDelay < 0 {
		return fmt.Errorf("stream.reconcileDelay must not be negative")
	}
	if cfg.Stream.IdleTimeout < 0 {
		return fmt.Errorf("stream.idleTimeout must not be negative")
	}
	return nil
}
