package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon's operational settings, separate from the
// security policy in security.json. Loaded from daemon.yaml.
type Config struct {
	// MetricsAddr is where the observability listener binds.
	MetricsAddr string `yaml:"metrics_addr"`
	// PollMode replaces the fsnotify inbox watcher with polling, for
	// filesystems without inotify support.
	PollMode     bool          `yaml:"poll_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// McpUpstreamSocket is the unix socket bridges relay to. Empty
	// disables bridge creation.
	McpUpstreamSocket string `yaml:"mcp_upstream_socket"`
	// Workspace is the host directory mounted into sandboxes according
	// to the resolved workspace access mode. Empty means no mount.
	Workspace string `yaml:"workspace"`
	// DockerBinary overrides the docker binary path. Empty uses PATH.
	DockerBinary string `yaml:"docker_binary"`
	// SweepInterval controls the periodic health and rate-limiter sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the daemon settings used without a daemon.yaml.
func DefaultConfig() *Config {
	return &Config{
		MetricsAddr:   "127.0.0.1:9417",
		PollInterval:  5 * time.Second,
		SweepInterval: time.Minute,
	}
}

// LoadConfig reads daemon.yaml from path. Missing file returns defaults.
// Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read daemon config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse daemon config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return cfg, nil
}
