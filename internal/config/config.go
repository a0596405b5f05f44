// ABOUTME: Configuration loading and parsing for tutor-mesh
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tutor-mesh configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Registry RegistryConfig `yaml:"registry"`
	Session  SessionConfig  `yaml:"session"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds durable-store configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BusConfig holds message bus tuning.
type BusConfig struct {
	QueueCapacity      int           `yaml:"queue_capacity"`
	RequestTimeout     time.Duration `yaml:"-"`
	HealthCheckTimeout time.Duration `yaml:"-"`
	HealthInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw     string `yaml:"request_timeout"`
	HealthCheckTimeoutRaw string `yaml:"health_check_timeout"`
	HealthIntervalRaw     string `yaml:"health_interval"`
}

// RegistryConfig holds agent liveness tuning.
type RegistryConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	LivenessTimeout time.Duration `yaml:"-"`

	SweepIntervalRaw   string `yaml:"sweep_interval"`
	LivenessTimeoutRaw string `yaml:"liveness_timeout"`
}

// SessionConfig holds shared-context tuning.
type SessionConfig struct {
	HistoryCap    int           `yaml:"history_cap"`
	TTL           time.Duration `yaml:"-"`
	LockTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	LockTimeoutRaw   string `yaml:"lock_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"-"`

	CoolDownRaw string `yaml:"cool_down"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces $VAR and ${VAR} references with environment
// variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// applyDefaults fills in zero-valued tuning knobs.
func (c *Config) applyDefaults() {
	if c.Bus.QueueCapacity == 0 {
		c.Bus.QueueCapacity = 100
	}
	if c.Bus.RequestTimeout == 0 {
		c.Bus.RequestTimeout = 30 * time.Second
	}
	if c.Bus.HealthCheckTimeout == 0 {
		c.Bus.HealthCheckTimeout = 5 * time.Second
	}
	if c.Bus.HealthInterval == 0 {
		c.Bus.HealthInterval = 30 * time.Second
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 30 * time.Second
	}
	if c.Registry.LivenessTimeout == 0 {
		c.Registry.LivenessTimeout = 60 * time.Second
	}
	if c.Session.HistoryCap == 0 {
		c.Session.HistoryCap = 100
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = time.Hour
	}
	if c.Session.LockTimeout == 0 {
		c.Session.LockTimeout = 5 * time.Second
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 5 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CoolDown == 0 {
		c.Breaker.CoolDown = 30 * time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Bus.QueueCapacity < 0 {
		return fmt.Errorf("bus.queue_capacity must not be negative")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Bus.RequestTimeoutRaw, "bus.request_timeout", &cfg.Bus.RequestTimeout},
		{cfg.Bus.HealthCheckTimeoutRaw, "bus.health_check_timeout", &cfg.Bus.HealthCheckTimeout},
		{cfg.Bus.HealthIntervalRaw, "bus.health_interval", &cfg.Bus.HealthInterval},
		{cfg.Registry.SweepIntervalRaw, "registry.sweep_interval", &cfg.Registry.SweepInterval},
		{cfg.Registry.LivenessTimeoutRaw, "registry.liveness_timeout", &cfg.Registry.LivenessTimeout},
		{cfg.Session.TTLRaw, "session.ttl", &cfg.Session.TTL},
		{cfg.Session.LockTimeoutRaw, "session.lock_timeout", &cfg.Session.LockTimeout},
		{cfg.Session.SweepIntervalRaw, "session.sweep_interval", &cfg.Session.SweepInterval},
		{cfg.Breaker.CoolDownRaw, "breaker.cool_down", &cfg.Breaker.CoolDown},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
