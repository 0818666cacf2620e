package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Routing  RoutingConfig  `mapstructure:"routing" yaml:"routing"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// WeightsConfig holds the heuristic scoring weights.
type WeightsConfig struct {
	Capability  float64 `mapstructure:"capability" yaml:"capability"`
	Performance float64 `mapstructure:"performance" yaml:"performance"`
	Context     float64 `mapstructure:"context" yaml:"context"`
}

// RoutingConfig configures the router.
type RoutingConfig struct {
	Weights         WeightsConfig `mapstructure:"weights" yaml:"weights"`
	MinRoutingScore float64       `mapstructure:"min_routing_score" yaml:"min_routing_score"`
	DefaultTemplate string        `mapstructure:"default_template" yaml:"default_template"`
}

// HealthConfig configures rolling statistics and the per-worker circuit.
type HealthConfig struct {
	EMADecay               float64 `mapstructure:"ema_decay" yaml:"ema_decay"`
	DegradedThreshold      int     `mapstructure:"degraded_threshold" yaml:"degraded_threshold"`
	CircuitOpenThreshold   int     `mapstructure:"circuit_open_threshold" yaml:"circuit_open_threshold"`
	CircuitCooldownSeconds int     `mapstructure:"circuit_cooldown_seconds" yaml:"circuit_cooldown_seconds"`
	SweepInterval          string  `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// CircuitCooldown returns the cooldown window as a duration.
func (h HealthConfig) CircuitCooldown() time.Duration {
	return time.Duration(h.CircuitCooldownSeconds) * time.Second
}

// ClassConfig overrides timeouts and resource weights for a capability class.
type ClassConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MemoryWeight   int64 `mapstructure:"memory_weight" yaml:"memory_weight"`
	CPUWeight      int64 `mapstructure:"cpu_weight" yaml:"cpu_weight"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	MaxConcurrentDispatches int                    `mapstructure:"max_concurrent_dispatches" yaml:"max_concurrent_dispatches"`
	AutoSize                bool                   `mapstructure:"auto_size" yaml:"auto_size"`
	TaskTimeoutSeconds      int                    `mapstructure:"task_timeout_seconds" yaml:"task_timeout_seconds"`
	MemoryBudget            int64                  `mapstructure:"memory_budget" yaml:"memory_budget"`
	CPUBudget               int64                  `mapstructure:"cpu_budget" yaml:"cpu_budget"`
	Classes                 map[string]ClassConfig `mapstructure:"classes" yaml:"classes"`
	DispatchRate            float64                `mapstructure:"dispatch_rate" yaml:"dispatch_rate"`
	DispatchBurst           int                    `mapstructure:"dispatch_burst" yaml:"dispatch_burst"`
}

// TaskTimeout returns the timeout for a capability class, falling back to
// the engine default.
func (e EngineConfig) TaskTimeout(class string) time.Duration {
	if c, ok := e.Classes[class]; ok && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return time.Duration(e.TaskTimeoutSeconds) * time.Second
}

// RecoveryConfig configures retry backoff.
type RecoveryConfig struct {
	RetryMaxAttempts int     `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	BaseDelay        string  `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier       float64 `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay         string  `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter           float64 `mapstructure:"jitter" yaml:"jitter"`
}

// StateConfig configures workflow persistence.
type StateConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // sqlite, json, memory
	Path    string `mapstructure:"path" yaml:"path"`
}

// RegistryConfig configures the worker catalog.
type RegistryConfig struct {
	Catalog string `mapstructure:"catalog" yaml:"catalog"`
	Watch   bool   `mapstructure:"watch" yaml:"watch"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	Timeout     string   `mapstructure:"timeout" yaml:"timeout"`
}

// Duration parses a duration string, returning fallback when empty or invalid.
// Validation reports invalid strings separately.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
