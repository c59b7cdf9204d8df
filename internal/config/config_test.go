package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Watchdog.ProbeInterval != 10*time.Minute {
		t.Errorf("expected probe interval 10m, got %v", cfg.Watchdog.ProbeInterval)
	}
	if cfg.Wizard.IdleTimeout != 30*time.Minute {
		t.Errorf("expected idle timeout 30m, got %v", cfg.Wizard.IdleTimeout)
	}
	if !cfg.Orchestrator.AutoDispatch {
		t.Error("expected auto dispatch on by default")
	}
	if len(cfg.Watchdog.CompletionLandmarks) == 0 {
		t.Error("expected default completion landmarks")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromBytesExpandsEnv(t *testing.T) {
	t.Setenv("FOREMAN_TEST_ADDR", "0.0.0.0:9999")

	cfg, err := LoadFromBytes([]byte(`
server:
  addr: ${FOREMAN_TEST_ADDR}
  allowed_owners: ["U1", "U2"]
watchdog:
  probe_interval: 90s
  stall_threshold: 4
`))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9999" {
		t.Errorf("Addr = %q, want expanded env value", cfg.Server.Addr)
	}
	if cfg.Watchdog.ProbeInterval != 90*time.Second {
		t.Errorf("ProbeInterval = %v, want 90s", cfg.Watchdog.ProbeInterval)
	}
	if cfg.Watchdog.StallThreshold != 4 {
		t.Errorf("StallThreshold = %d, want 4", cfg.Watchdog.StallThreshold)
	}
	// untouched keys keep their defaults
	if cfg.Watchdog.MaxRecoveryAttempts != 3 {
		t.Errorf("MaxRecoveryAttempts = %d, want default 3", cfg.Watchdog.MaxRecoveryAttempts)
	}
}

func TestLoadFileOverridesBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	if err := os.WriteFile(path, []byte("wizard:\n  idle_timeout: 5m\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path, Default())
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Wizard.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Wizard.IdleTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero probe interval", func(c *Config) { c.Watchdog.ProbeInterval = 0 }, true},
		{"zero stall threshold", func(c *Config) { c.Watchdog.StallThreshold = 0 }, true},
		{"negative recovery", func(c *Config) { c.Watchdog.MaxRecoveryAttempts = -1 }, true},
		{"zero idle timeout", func(c *Config) { c.Wizard.IdleTimeout = 0 }, true},
		{"no recovery attempts", func(c *Config) { c.Watchdog.MaxRecoveryAttempts = 0 }, false},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, true},
		{"rate limit without burst", func(c *Config) { c.Server.RateBurst = 0 }, true},
		{"rate limit disabled", func(c *Config) { c.Server.RateLimit = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDataDir(t *testing.T) {
	cfg := Default()
	cfg.ApplyDataDir("/tmp/foreman")

	if cfg.Database.Path != filepath.Join("/tmp/foreman", "data", "foreman.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if len(cfg.Plugins.Dirs) != 2 {
		t.Errorf("expected 2 plugin dirs, got %d", len(cfg.Plugins.Dirs))
	}

	cfg.Database.Path = "/custom.db"
	cfg.ApplyDataDir("/elsewhere")
	if cfg.Database.Path != "/custom.db" {
		t.Error("ApplyDataDir must not override an explicit path")
	}
}

func TestIsOwnerAllowed(t *testing.T) {
	cfg := Default()
	if cfg.IsOwnerAllowed("U1") {
		t.Error("empty allow-list must deny")
	}
	cfg.Server.AllowedOwners = []string{"U1"}
	if !cfg.IsOwnerAllowed("U1") || cfg.IsOwnerAllowed("U2") {
		t.Error("allow-list mismatch")
	}
	cfg.Server.AllowedOwners = []string{"*"}
	if !cfg.IsOwnerAllowed("anyone") {
		t.Error("wildcard should allow all")
	}
}
