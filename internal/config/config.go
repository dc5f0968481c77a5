// Package config loads the driver's environment-variable configuration,
// in the style of the teacher pack's env.Parse-based config loaders
// (env tags with envDefault, validated after parse).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/galaxyed/redisdriver/internal/command"
)

// Config carries every tunable exposed as an environment variable: the
// Sentinel/Cluster seed lists, per-connection timeouts, and the dynamic
// CommandControl defaults from §6 (the middle precedence tier, between a
// caller-supplied CommandControl and the spec's hardcoded defaults).
type Config struct {
	Mode string `env:"REDISDRIVER_MODE" envDefault:"sentinel"` // "sentinel" or "cluster"

	SentinelAddrs   []string `env:"REDISDRIVER_SENTINEL_ADDRS" envSeparator:","`
	SentinelMasters []string `env:"REDISDRIVER_SENTINEL_MASTERS" envSeparator:","`
	ClusterSeeds    []string `env:"REDISDRIVER_CLUSTER_SEEDS" envSeparator:","`

	Password string `env:"REDISDRIVER_PASSWORD"`
	TLS      bool   `env:"REDISDRIVER_TLS" envDefault:"false"`

	ConnectTimeout time.Duration `env:"REDISDRIVER_CONNECT_TIMEOUT" envDefault:"1s"`
	ReadTimeout    time.Duration `env:"REDISDRIVER_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout   time.Duration `env:"REDISDRIVER_WRITE_TIMEOUT" envDefault:"1s"`
	PingInterval   time.Duration `env:"REDISDRIVER_PING_INTERVAL" envDefault:"2s"`
	PingTimeout    time.Duration `env:"REDISDRIVER_PING_TIMEOUT" envDefault:"4s"`

	// Dynamic CommandControl defaults (§6 "Merge semantics" middle tier).
	TimeoutSingle time.Duration `env:"REDISDRIVER_TIMEOUT_SINGLE" envDefault:"500ms"`
	TimeoutAll    time.Duration `env:"REDISDRIVER_TIMEOUT_ALL" envDefault:"2s"`
	MaxRetries    int           `env:"REDISDRIVER_MAX_RETRIES" envDefault:"4"`

	RebalanceMinInterval time.Duration `env:"REDISDRIVER_REBALANCE_MIN_INTERVAL" envDefault:"30s"`

	ClusterExploreInterval time.Duration `env:"REDISDRIVER_CLUSTER_EXPLORE_INTERVAL" envDefault:"10s"`
	ClusterSlotsInterval   time.Duration `env:"REDISDRIVER_CLUSTER_SLOTS_INTERVAL" envDefault:"5s"`
	ClusterSlotsFanout     int           `env:"REDISDRIVER_CLUSTER_SLOTS_FANOUT" envDefault:"3"`

	SentinelPollInterval time.Duration `env:"REDISDRIVER_SENTINEL_POLL_INTERVAL" envDefault:"5s"`

	MetricsAddr string `env:"REDISDRIVER_METRICS_ADDR" envDefault:":9121"`
	LogLevel    string `env:"REDISDRIVER_LOG_LEVEL" envDefault:"info"`
}

// Load reads Config from the process environment, applying envDefault
// tags for anything unset, then validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// DynamicControl builds the dynamic CommandControl default (§6's middle
// precedence tier, between a caller-supplied Control and the spec's
// built-in defaults) from the environment-configured timeouts/retries.
func (c *Config) DynamicControl() command.Control {
	return command.Control{}.
		WithTimeoutSingle(c.TimeoutSingle).
		WithTimeoutAll(c.TimeoutAll).
		WithMaxRetries(c.MaxRetries)
}

// Validate checks cross-field invariants env.Parse can't express.
func (c *Config) Validate() error {
	switch c.Mode {
	case "sentinel":
		if len(c.SentinelAddrs) == 0 {
			return fmt.Errorf("REDISDRIVER_SENTINEL_ADDRS is required in sentinel mode")
		}
		if len(c.SentinelMasters) == 0 {
			return fmt.Errorf("REDISDRIVER_SENTINEL_MASTERS is required in sentinel mode")
		}
	case "cluster":
		if len(c.ClusterSeeds) == 0 {
			return fmt.Errorf("REDISDRIVER_CLUSTER_SEEDS is required in cluster mode")
		}
	default:
		return fmt.Errorf("REDISDRIVER_MODE must be \"sentinel\" or \"cluster\", got %q", c.Mode)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("REDISDRIVER_MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.TimeoutSingle <= 0 || c.TimeoutAll <= 0 {
		return fmt.Errorf("REDISDRIVER_TIMEOUT_SINGLE and REDISDRIVER_TIMEOUT_ALL must be positive")
	}
	return nil
}
