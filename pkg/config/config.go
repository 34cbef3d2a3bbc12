// Package config loads daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Broker   BrokerConfig `yaml:"broker"`
	Health   HealthConfig `yaml:"health"`
	Tokens   TokenConfig  `yaml:"tokens"`
	Ledger   LedgerConfig `yaml:"ledger"`
	Redis    RedisConfig  `yaml:"redis"`
	Otel     OtelConfig   `yaml:"otel"`

	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	EscalationOwner     time.Duration `yaml:"escalation_owner"`
	EscalationAuthority time.Duration `yaml:"escalation_authority"`
}

// BrokerConfig selects the broker backend.
type BrokerConfig struct {
	// Mode is "paper" (simulated) or "live".
	Mode     string `yaml:"mode"`
	Endpoint string `yaml:"endpoint"`
}

// HealthConfig tunes the connectivity supervisor.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`
	DegradedAfter     int           `yaml:"degraded_after"`
	CriticalAfter     int           `yaml:"critical_after"`
	RecoverySuccesses int           `yaml:"recovery_successes"`
	CriticalHaltAfter time.Duration `yaml:"critical_halt_after"`
}

// TokenConfig controls approval token issuance.
type TokenConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// SigningKey is hex or raw; usually injected via PHOENIX_TOKEN_KEY.
	SigningKey string `yaml:"signing_key"`
}

// LedgerConfig locates the sqlite ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig mirrors kill flags when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OtelConfig points at the OTLP collector.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the paper-mode defaults.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Broker:   BrokerConfig{Mode: "paper"},
		Health: HealthConfig{
			HeartbeatInterval: 5 * time.Second,
			ProbeTimeout:      2 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			BackoffBase:       250 * time.Millisecond,
			BackoffCeiling:    time.Minute,
			DegradedAfter:     1,
			CriticalAfter:     5,
			RecoverySuccesses: 3,
			CriticalHaltAfter: 2 * time.Minute,
		},
		Tokens:              TokenConfig{TTL: 15 * time.Minute},
		Ledger:              LedgerConfig{Path: "phoenix.db"},
		ReconcileInterval:   30 * time.Second,
		EscalationOwner:     12 * time.Hour,
		EscalationAuthority: 24 * time.Hour,
	}
}

// Load reads path (when non-empty), then applies environment
// overrides. A missing file with an empty path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PHOENIX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PHOENIX_BROKER_MODE"); v != "" {
		c.Broker.Mode = v
	}
	if v := os.Getenv("PHOENIX_BROKER_ENDPOINT"); v != "" {
		c.Broker.Endpoint = v
	}
	if v := os.Getenv("PHOENIX_TOKEN_KEY"); v != "" {
		c.Tokens.SigningKey = v
	}
	if v := os.Getenv("PHOENIX_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("PHOENIX_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PHOENIX_OTEL_ENDPOINT"); v != "" {
		c.Otel.Endpoint = v
		c.Otel.Enabled = true
	}
	if v := os.Getenv("PHOENIX_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconcileInterval = d
		}
	}
	if v := os.Getenv("PHOENIX_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Health.BreakerThreshold = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Broker.Mode {
	case "paper":
	case "live":
		if c.Broker.Endpoint == "" {
			return fmt.Errorf("config: live broker mode requires an endpoint")
		}
	default:
		return fmt.Errorf("config: unknown broker mode %q", c.Broker.Mode)
	}
	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("config: token ttl must be positive")
	}
	if c.EscalationOwner >= c.EscalationAuthority {
		return fmt.Errorf("config: owner escalation must precede authority escalation")
	}
	return nil
}
