package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// CLI flag bindings take part in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "DISPATCH"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags bound on the viper instance
// 2. Environment variables (DISPATCH_ENGINE_MAX_CONCURRENT_DISPATCHES, ...)
// 3. Project config (.dispatch.yaml in current directory)
// 4. User config (~/.config/dispatch/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".dispatch")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "dispatch"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Engine.Classes == nil {
		cfg.Engine.Classes = map[string]ClassConfig{}
	}
	return &cfg, nil
}

// setDefaults registers every key so env overrides work without a file.
func (l *Loader) setDefaults() {
	d := Default()

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)

	l.v.SetDefault("routing.weights.capability", d.Routing.Weights.Capability)
	l.v.SetDefault("routing.weights.performance", d.Routing.Weights.Performance)
	l.v.SetDefault("routing.weights.context", d.Routing.Weights.Context)
	l.v.SetDefault("routing.min_routing_score", d.Routing.MinRoutingScore)
	l.v.SetDefault("routing.default_template", d.Routing.DefaultTemplate)

	l.v.SetDefault("health.ema_decay", d.Health.EMADecay)
	l.v.SetDefault("health.degraded_threshold", d.Health.DegradedThreshold)
	l.v.SetDefault("health.circuit_open_threshold", d.Health.CircuitOpenThreshold)
	l.v.SetDefault("health.circuit_cooldown_seconds", d.Health.CircuitCooldownSeconds)
	l.v.SetDefault("health.sweep_interval", d.Health.SweepInterval)

	l.v.SetDefault("engine.max_concurrent_dispatches", d.Engine.MaxConcurrentDispatches)
	l.v.SetDefault("engine.auto_size", d.Engine.AutoSize)
	l.v.SetDefault("engine.task_timeout_seconds", d.Engine.TaskTimeoutSeconds)
	l.v.SetDefault("engine.memory_budget", d.Engine.MemoryBudget)
	l.v.SetDefault("engine.cpu_budget", d.Engine.CPUBudget)
	l.v.SetDefault("engine.dispatch_rate", d.Engine.DispatchRate)
	l.v.SetDefault("engine.dispatch_burst", d.Engine.DispatchBurst)

	l.v.SetDefault("recovery.retry_max_attempts", d.Recovery.RetryMaxAttempts)
	l.v.SetDefault("recovery.base_delay", d.Recovery.BaseDelay)
	l.v.SetDefault("recovery.multiplier", d.Recovery.Multiplier)
	l.v.SetDefault("recovery.max_delay", d.Recovery.MaxDelay)
	l.v.SetDefault("recovery.jitter", d.Recovery.Jitter)

	l.v.SetDefault("state.backend", d.State.Backend)
	l.v.SetDefault("state.path", d.State.Path)

	l.v.SetDefault("registry.catalog", d.Registry.Catalog)
	l.v.SetDefault("registry.watch", d.Registry.Watch)

	l.v.SetDefault("api.host", d.API.Host)
	l.v.SetDefault("api.port", d.API.Port)
	l.v.SetDefault("api.cors_origins", []string{})
	l.v.SetDefault("api.timeout", d.API.Timeout)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
