package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Download DownloadConfig `yaml:"download"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

// DownloadConfig holds video download configuration.
type DownloadConfig struct {
	Division         int           `yaml:"division" envconfig:"DOWNLOAD_DIVISION"`
	ConcurrencyLimit int           `yaml:"concurrency_limit" envconfig:"DOWNLOAD_CONCURRENCY_LIMIT"`
	Multiline        bool          `yaml:"multiline" envconfig:"DOWNLOAD_MULTILINE"`
	UseJSON          bool          `yaml:"use_json" envconfig:"DOWNLOAD_USE_JSON"`
	ChunkSize        int           `yaml:"chunk_size" envconfig:"DOWNLOAD_CHUNK_SIZE"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"DOWNLOAD_POLL_INTERVAL"`
	HeartbeatMargin  time.Duration `yaml:"heartbeat_margin" envconfig:"DOWNLOAD_HEARTBEAT_MARGIN"`
	// HeartbeatFloor is the shortest wait between heartbeats, whatever
	// lifetime the server grants.
	HeartbeatFloor   time.Duration `yaml:"heartbeat_floor" envconfig:"DOWNLOAD_HEARTBEAT_FLOOR"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"DOWNLOAD_TIMEOUT"`
	MaxAttempts      int           `yaml:"max_attempts" envconfig:"DOWNLOAD_MAX_ATTEMPTS"`
	RetryDelay       time.Duration `yaml:"retry_delay" envconfig:"DOWNLOAD_RETRY_DELAY"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" envconfig:"DOWNLOAD_MAX_RETRY_DELAY"`
	UserAgent        string        `yaml:"user_agent" envconfig:"DOWNLOAD_USER_AGENT"`
}

// SessionConfig holds the credentials attached to every platform request.
type SessionConfig struct {
	UserSession  string `yaml:"user_session" envconfig:"NICO_USER_SESSION"`
	CookieDomain string `yaml:"cookie_domain" envconfig:"NICO_COOKIE_DOMAIN"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Download: DownloadConfig{
			Division:         4,
			ConcurrencyLimit: 4,
			Multiline:        true,
			ChunkSize:        50 * 1024,
			PollInterval:     time.Second,
			HeartbeatMargin:  5 * time.Second,
			HeartbeatFloor:   time.Second,
			Timeout:          30 * time.Second,
			MaxAttempts:      3,
			RetryDelay:       5 * time.Second,
			MaxRetryDelay:    60 * time.Second,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		},
		Session: SessionConfig{
			CookieDomain: ".nicovideo.jp",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from file and environment variables.
// Values are layered: built-in defaults, then the file, then the environment.
// The envconfig tags must not carry defaults: Process would reapply them over
// values read from the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if err := c.Download.Validate(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Validate checks the download settings.
func (c *DownloadConfig) Validate() error {
	if c.Division < 1 {
		return fmt.Errorf("DOWNLOAD_DIVISION must be at least 1")
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("DOWNLOAD_CONCURRENCY_LIMIT must be at least 1")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("DOWNLOAD_CHUNK_SIZE must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_MAX_ATTEMPTS must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("DOWNLOAD_POLL_INTERVAL must be positive")
	}
	if c.HeartbeatFloor <= 0 {
		return fmt.Errorf("DOWNLOAD_HEARTBEAT_FLOOR must be positive")
	}
	return nil
}
