package config

import (
	"time"
)

type (
	// Config is the top-level configuration for the rendezd daemon.
	Config struct {
		PID      string         `yaml:"pid"`
		Logger   LoggerConfig   `yaml:"logger"`
		Broker   BrokerConfig   `yaml:"broker"`
		Registry RegistryConfig `yaml:"registry"`
		Admin    AdminConfig    `yaml:"admin"`
		Metrics  MetricsConfig  `yaml:"metrics"`
	}

	// BrokerConfig configures the rendezvous socket broker.
	BrokerConfig struct {
		SocketPath     string        `yaml:"socket_path"`     // unix socket the rendezvous listener binds to
		HandoffTimeout time.Duration `yaml:"handoff_timeout"` // deadline for a pending request to be matched
		MaxPending     int           `yaml:"max_pending"`     // upper bound on simultaneously waiting requests
	}

	// RegistryConfig configures the session registry.
	RegistryConfig struct {
		SweepInterval time.Duration `yaml:"sweep_interval"` // how often the age-based sweep runs
		TTL           time.Duration `yaml:"ttl"`            // max age of an entry before the sweep removes it
		ProbeTimeout  time.Duration `yaml:"probe_timeout"`  // connect timeout for a liveness probe
	}

	// AdminConfig configures the admin HTTP surface.
	AdminConfig struct {
		Addr string `yaml:"addr"` // listen address, e.g. "127.0.0.1:7463"
	}

	// MetricsConfig configures prometheus metrics.
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}
)

// SetDefaults fills in the documented defaults for every zero-valued knob.
func (c *Config) SetDefaults() {
	if c.Broker.HandoffTimeout <= 0 {
		c.Broker.HandoffTimeout = 5 * time.Second
	}
	if c.Broker.MaxPending <= 0 {
		c.Broker.MaxPending = 1000
	}
	if c.Registry.SweepInterval <= 0 {
		c.Registry.SweepInterval = 60 * time.Second
	}
	if c.Registry.TTL <= 0 {
		c.Registry.TTL = 300 * time.Second
	}
	if c.Registry.ProbeTimeout <= 0 {
		c.Registry.ProbeTimeout = time.Second
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:7463"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "rendez"
	}
}
