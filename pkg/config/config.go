// Package config loads kernel tuning knobs from the project's .aqua
// directory. A YAML file is the primary format with TOML accepted as
// an alternative; environment variables override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"aqua/pkg/protocol"
)

// Config holds every tunable the kernel reads. All values are
// optional; zero-value fields fall back to defaults.
type Config struct {
	LeaderLeaseSeconds        int `yaml:"leader_lease_seconds" toml:"leader_lease_seconds"`
	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	AgentDeadThresholdSeconds int `yaml:"agent_dead_threshold_seconds" toml:"agent_dead_threshold_seconds"`
	TaskClaimTimeoutSeconds   int `yaml:"task_claim_timeout_seconds" toml:"task_claim_timeout_seconds"`
	DefaultPriority           int `yaml:"default_priority" toml:"default_priority"`
	MaxRetries                int `yaml:"max_retries" toml:"max_retries"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LeaderLeaseSeconds:        30,
		HeartbeatIntervalSeconds:  10,
		AgentDeadThresholdSeconds: 300,
		TaskClaimTimeoutSeconds:   1800,
		DefaultPriority:           5,
		MaxRetries:                3,
	}
}

// Load reads configuration for the .aqua directory at aquaDir,
// layering file values over defaults and environment overrides over
// both. A missing file is not an error.
func Load(aquaDir string) (Config, error) {
	cfg := Default()

	yamlPath := filepath.Join(aquaDir, "config.yaml")
	tomlPath := filepath.Join(aquaDir, "config.toml")
	switch {
	case fileExists(yamlPath):
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return cfg, protocol.Errf(protocol.ErrConfig, "read %s: %v", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, protocol.Errf(protocol.ErrConfig, "parse %s: %v", yamlPath, err)
		}
	case fileExists(tomlPath):
		data, err := os.ReadFile(tomlPath)
		if err != nil {
			return cfg, protocol.Errf(protocol.ErrConfig, "read %s: %v", tomlPath, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, protocol.Errf(protocol.ErrConfig, "parse %s: %v", tomlPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"AQUA_LEADER_LEASE_SECONDS", &cfg.LeaderLeaseSeconds},
		{"AQUA_HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSeconds},
		{"AQUA_AGENT_DEAD_THRESHOLD_SECONDS", &cfg.AgentDeadThresholdSeconds},
		{"AQUA_TASK_CLAIM_TIMEOUT_SECONDS", &cfg.TaskClaimTimeoutSeconds},
		{"AQUA_DEFAULT_PRIORITY", &cfg.DefaultPriority},
		{"AQUA_MAX_RETRIES", &cfg.MaxRetries},
	} {
		val := os.Getenv(e.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return protocol.Errf(protocol.ErrConfig, "%s: %q is not an integer", e.name, val)
		}
		*e.dst = n
	}
	return nil
}

// fillDefaults restores defaults for fields a file set to zero or
// negative values.
func (c *Config) fillDefaults() {
	def := Default()
	if c.LeaderLeaseSeconds <= 0 {
		c.LeaderLeaseSeconds = def.LeaderLeaseSeconds
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = def.HeartbeatIntervalSeconds
	}
	if c.AgentDeadThresholdSeconds <= 0 {
		c.AgentDeadThresholdSeconds = def.AgentDeadThresholdSeconds
	}
	if c.TaskClaimTimeoutSeconds <= 0 {
		c.TaskClaimTimeoutSeconds = def.TaskClaimTimeoutSeconds
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = def.DefaultPriority
	}
	c.DefaultPriority = protocol.ClampPriority(c.DefaultPriority)
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
}

// LeaderLease returns the lease duration.
func (c Config) LeaderLease() time.Duration {
	return time.Duration(c.LeaderLeaseSeconds) * time.Second
}

// HeartbeatInterval returns the minimum spacing between leader sweeps.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// DeadThreshold returns the heartbeat age past which an agent is a
// death candidate.
func (c Config) DeadThreshold() time.Duration {
	return time.Duration(c.AgentDeadThresholdSeconds) * time.Second
}

// ClaimTimeout returns the age past which a claim counts as stuck.
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.TaskClaimTimeoutSeconds) * time.Second
}

// Write saves the configuration as YAML at aquaDir/config.yaml.
func (c Config) Write(aquaDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(aquaDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
