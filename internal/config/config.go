package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion.
// Unset keys keep the values from Default.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadFile reads path and applies it on top of base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &base); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return base, nil
}

type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Server struct {
		Addr          string   `yaml:"addr"`
		AllowedOwners []string `yaml:"allowed_owners"`
		// RateLimit is messages per second per owner; 0 disables limiting.
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"server"`

	Plugins struct {
		Dirs  []string `yaml:"dirs"`
		Watch bool     `yaml:"watch"`
	} `yaml:"plugins"`

	Wizard struct {
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
		SweepSchedule string        `yaml:"sweep_schedule"`
	} `yaml:"wizard"`

	Orchestrator struct {
		AutoDispatch  bool          `yaml:"auto_dispatch"`
		HistoryLimit  int           `yaml:"history_limit"`
		LogRetention  time.Duration `yaml:"log_retention"`
		PruneSchedule string        `yaml:"prune_schedule"`
	} `yaml:"orchestrator"`

	Watchdog struct {
		ProbeInterval       time.Duration `yaml:"probe_interval"`
		StartupInterval     time.Duration `yaml:"startup_interval"`
		RecoverySettle      time.Duration `yaml:"recovery_settle"`
		StallThreshold      int           `yaml:"stall_threshold"`
		MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
		StartupProbes       int           `yaml:"startup_probes"`
		KillGrace           time.Duration `yaml:"kill_grace"`
		HashTolerance       int           `yaml:"hash_tolerance"`
		CompletionLandmarks []string      `yaml:"completion_landmarks"`
		CrashLandmarks      []string      `yaml:"crash_landmarks"`
		LimitLandmarks      []string      `yaml:"limit_landmarks"`
	} `yaml:"watchdog"`

	Agent struct {
		Command         []string   `yaml:"command"`
		Workdir         string     `yaml:"workdir"`
		OCRCommand      []string   `yaml:"ocr_command"`
		RecoveryActions [][]string `yaml:"recovery_actions"`
		Display         int        `yaml:"display"`
	} `yaml:"agent"`
}

// Default returns the built-in configuration. Paths are left empty and filled
// in by ApplyDataDir.
func Default() Config {
	var c Config
	c.Log.Level = "info"
	c.Server.Addr = "127.0.0.1:27460"
	c.Server.RateLimit = 1
	c.Server.RateBurst = 5
	c.Plugins.Watch = true
	c.Wizard.IdleTimeout = 30 * time.Minute
	c.Wizard.SweepSchedule = "@every 1m"
	c.Orchestrator.AutoDispatch = true
	c.Orchestrator.HistoryLimit = 10
	c.Orchestrator.LogRetention = 7 * 24 * time.Hour
	c.Orchestrator.PruneSchedule = "@daily"
	c.Watchdog.ProbeInterval = 10 * time.Minute
	c.Watchdog.StartupInterval = 15 * time.Second
	c.Watchdog.RecoverySettle = 30 * time.Second
	c.Watchdog.StallThreshold = 1
	c.Watchdog.MaxRecoveryAttempts = 3
	c.Watchdog.StartupProbes = 3
	c.Watchdog.KillGrace = 5 * time.Second
	c.Watchdog.HashTolerance = 6
	c.Watchdog.CompletionLandmarks = []string{"task complete", "all done", "build succeeded"}
	c.Watchdog.CrashLandmarks = []string{"not responding", "unresponsive", "keep waiting"}
	c.Watchdog.LimitLandmarks = []string{"usage limit", "rate limit", "run out of messages", "limit reached", "try again later"}
	return c
}

// ApplyDataDir fills path settings that were left empty with locations under dataDir.
func (c *Config) ApplyDataDir(dataDir string) {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir, "data", "foreman.db")
	}
	if len(c.Plugins.Dirs) == 0 {
		c.Plugins.Dirs = []string{
			filepath.Join(dataDir, "skills"),
			filepath.Join(dataDir, "mcps"),
		}
	}
	if c.Agent.Workdir == "" {
		c.Agent.Workdir = filepath.Join(dataDir, "jobs")
	}
}

// Validate rejects settings the supervisor cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Wizard.IdleTimeout <= 0 {
		problems = append(problems, "wizard.idle_timeout must be positive")
	}
	if c.Watchdog.ProbeInterval <= 0 {
		problems = append(problems, "watchdog.probe_interval must be positive")
	}
	if c.Watchdog.StartupInterval <= 0 {
		problems = append(problems, "watchdog.startup_interval must be positive")
	}
	if c.Watchdog.RecoverySettle <= 0 {
		problems = append(problems, "watchdog.recovery_settle must be positive")
	}
	if c.Watchdog.StallThreshold < 1 {
		problems = append(problems, "watchdog.stall_threshold must be at least 1")
	}
	if c.Watchdog.MaxRecoveryAttempts < 0 {
		problems = append(problems, "watchdog.max_recovery_attempts must not be negative")
	}
	if c.Watchdog.StartupProbes < 1 {
		problems = append(problems, "watchdog.startup_probes must be at least 1")
	}
	if c.Watchdog.KillGrace <= 0 {
		problems = append(problems, "watchdog.kill_grace must be positive")
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		problems = append(problems, "server.rate_burst must be at least 1 when rate_limit is set")
	}
	if c.Orchestrator.HistoryLimit < 1 {
		problems = append(problems, "orchestrator.history_limit must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsOwnerAllowed reports whether owner may talk to the bot. An empty
// allow-list denies everyone.
func (c Config) IsOwnerAllowed(owner string) bool {
	for _, o := range c.Server.AllowedOwners {
		if o == "*" || o == owner {
			return true
		}
	}
	return false
}
