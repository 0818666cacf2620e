package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoader_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxConcurrentDispatches != 5 {
		t.Errorf("max_concurrent_dispatches = %d, want 5", cfg.Engine.MaxConcurrentDispatches)
	}
	if cfg.Recovery.RetryMaxAttempts != 3 {
		t.Errorf("retry_max_attempts = %d, want 3", cfg.Recovery.RetryMaxAttempts)
	}
	if cfg.Health.CircuitOpenThreshold != 5 {
		t.Errorf("circuit_open_threshold = %d, want 5", cfg.Health.CircuitOpenThreshold)
	}
	if cfg.Health.CircuitCooldown() != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", cfg.Health.CircuitCooldown())
	}
	if cfg.Routing.MinRoutingScore != 0.3 {
		t.Errorf("min_routing_score = %v, want 0.3", cfg.Routing.MinRoutingScore)
	}
	if cfg.Engine.TaskTimeout("unknown") != 120*time.Second {
		t.Errorf("TaskTimeout() = %v, want 120s", cfg.Engine.TaskTimeout("unknown"))
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoader_ProjectFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("DISPATCH_RECOVERY_RETRY_MAX_ATTEMPTS", "7")

	content := `
engine:
  max_concurrent_dispatches: 2
  classes:
    heavy:
      timeout_seconds: 30
state:
  backend: memory
`
	if err := os.WriteFile(filepath.Join(dir, ".dispatch.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := NewLoader()
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxConcurrentDispatches != 2 {
		t.Errorf("max_concurrent_dispatches = %d, want 2", cfg.Engine.MaxConcurrentDispatches)
	}
	if cfg.Engine.TaskTimeout("heavy") != 30*time.Second {
		t.Errorf("heavy timeout = %v, want 30s", cfg.Engine.TaskTimeout("heavy"))
	}
	if cfg.State.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.State.Backend)
	}
	if cfg.Recovery.RetryMaxAttempts != 7 {
		t.Errorf("env override retry_max_attempts = %d, want 7", cfg.Recovery.RetryMaxAttempts)
	}
	if filepath.Base(l.ConfigFile()) != ".dispatch.yaml" {
		t.Errorf("ConfigFile() = %q", l.ConfigFile())
	}
}

func TestLoader_ExplicitFileMissing(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoader_FlagBinding(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	v := viper.New()
	v.Set("log.level", "debug")
	cfg, err := NewLoaderWithViper(v).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"weights sum", func(c *Config) { c.Routing.Weights.Context = 0.5 }, "routing.weights"},
		{"min score", func(c *Config) { c.Routing.MinRoutingScore = 1.5 }, "routing.min_routing_score"},
		{"template", func(c *Config) { c.Routing.DefaultTemplate = "epic" }, "routing.default_template"},
		{"decay", func(c *Config) { c.Health.EMADecay = 0 }, "health.ema_decay"},
		{"thresholds", func(c *Config) { c.Health.CircuitOpenThreshold = 1 }, "health.circuit_open_threshold"},
		{"concurrency", func(c *Config) { c.Engine.MaxConcurrentDispatches = 0 }, "engine.max_concurrent_dispatches"},
		{"burst", func(c *Config) { c.Engine.DispatchRate = 2; c.Engine.DispatchBurst = 0 }, "engine.dispatch_burst"},
		{"attempts", func(c *Config) { c.Recovery.RetryMaxAttempts = 0 }, "recovery.retry_max_attempts"},
		{"delay format", func(c *Config) { c.Recovery.BaseDelay = "soon" }, "recovery.base_delay"},
		{"delay order", func(c *Config) { c.Recovery.MaxDelay = "1s" }, "recovery.max_delay"},
		{"backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	if err := AtomicWrite(path, []byte("a: 1\n")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte("a: 2\n")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a: 2\n" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("perm = %v, want 0640", info.Mode().Perm())
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".dispatch.yaml")
	wrote, err := WriteDefault(path, false)
	if err != nil || !wrote {
		t.Fatalf("WriteDefault() = %v, %v", wrote, err)
	}
	wrote, err = WriteDefault(path, false)
	if err != nil || wrote {
		t.Fatalf("second WriteDefault() = %v, %v; want no write", wrote, err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("loading default yaml: %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("default yaml should validate: %v", err)
	}
	if cfg.Engine.TaskTimeout("heavy") != 300*time.Second {
		t.Errorf("heavy timeout = %v", cfg.Engine.TaskTimeout("heavy"))
	}
}
