// Package config loads the chunkrelay service configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/chunkrelay/internal/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

// maxConfigSize caps the config file size.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Sessions  session.Config       `yaml:"sessions"`
	Redis     session.RedisConfig  `yaml:"redis"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Tracing   observability.Config `yaml:"tracing"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxBodyBytes caps a single request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	// GlobalRPS caps all clients combined. Zero leaves it uncapped.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults. Environment variables fill fields the file leaves empty.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := readLimited(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Sessions.Store, "CHUNKRELAY_SESSION_STORE")
	setString(&c.Redis.Addr, "CHUNKRELAY_REDIS_ADDR")
	setString(&c.Redis.Password, "CHUNKRELAY_REDIS_PASSWORD")
	setString(&c.Redis.Prefix, "CHUNKRELAY_REDIS_PREFIX")
	setString(&c.Server.Path, "CHUNKRELAY_PATH")
	setString(&c.Logging.Level, "CHUNKRELAY_LOG_LEVEL")
	setString(&c.Logging.Format, "CHUNKRELAY_LOG_FORMAT")

	if c.Server.Port == 0 {
		if v := os.Getenv("CHUNKRELAY_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid CHUNKRELAY_PORT %q: %w", v, err)
			}
			c.Server.Port = port
		}
	}
	if c.Sessions.TTL == 0 {
		if v := os.Getenv("CHUNKRELAY_SESSION_TTL"); v != "" {
			ttl, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid CHUNKRELAY_SESSION_TTL %q: %w", v, err)
			}
			c.Sessions.TTL = ttl
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Path == "" {
		c.Server.Path = "/webhook"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 8 << 20
	}

	c.Sessions.ApplyDefaults()

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.GlobalRPS > 0 && c.RateLimit.GlobalBurst == 0 {
		c.RateLimit.GlobalBurst = int(math.Ceil(c.RateLimit.GlobalRPS))
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = observability.DefaultServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// SaveConfig writes cfg to path as YAML. An existing file is replaced.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with '/', got %q", c.Server.Path)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if c.Sessions.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when sessions.store is redis")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be positive")
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.GlobalBurst < 0 {
		return fmt.Errorf("rate_limit.global_rps and rate_limit.global_burst must not be negative")
	}

	switch c.Tracing.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
