package session

import (
	"fmt"
	"time"
)

// Config holds session configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "redis"
	// Default: "memory"
	Store string `yaml:"store"`

	// TTL is how long a session may sit idle before it expires.
	// Default: 30m
	TTL time.Duration `yaml:"ttl"`

	// TombstoneTTL is how long a consumed or expired session id keeps
	// answering "not found" instead of starting a fresh session.
	// Default: 2 × TTL
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`

	// SweepSchedule is the cron spec for expiry sweeps.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`

	// MaxChunkBytes caps the size of a single chunk's data (0 = no cap).
	MaxChunkBytes int `yaml:"max_chunk_bytes"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:         "memory",
		TTL:           30 * time.Minute,
		TombstoneTTL:  60 * time.Minute,
		SweepSchedule: "@every 1m",
		MaxChunkBytes: 0,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 2 * c.TTL
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session store %q (want memory or redis)", c.Store)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.TombstoneTTL < c.TTL {
		return fmt.Errorf("tombstone_ttl (%s) must not be shorter than ttl (%s)", c.TombstoneTTL, c.TTL)
	}
	if c.MaxChunkBytes < 0 {
		return fmt.Errorf("max_chunk_bytes must not be negative")
	}
	return nil
}

// NewStore creates the backend named by cfg.Store. redisCfg is only used
// for the redis store.
func NewStore(cfg Config, redisCfg RedisConfig) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case "redis":
		b, err := NewRedisBackend(redisCfg, cfg.TTL, cfg.TombstoneTTL)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return NewMemoryBackend(cfg.TTL, cfg.TombstoneTTL), nil
	}
}
