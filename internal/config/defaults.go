package config

// Default values shared by the loader, the validator tests and `dispatch init`.
const (
	DefaultMaxConcurrentDispatches = 5
	DefaultTaskTimeoutSeconds      = 120
	DefaultRetryMaxAttempts        = 3
	DefaultCircuitOpenThreshold    = 5
	DefaultDegradedThreshold       = 3
	DefaultCircuitCooldownSeconds  = 60
	DefaultMinRoutingScore         = 0.3
	DefaultEMADecay                = 0.2
)

// DefaultConfigYAML contains the default configuration written by `dispatch init`.
const DefaultConfigYAML = `# quorum-dispatch configuration
# Values not specified here use built-in defaults.

log:
  level: info
  format: auto

routing:
  # score = capability*overlap + performance*success_rate + context*affinity
  weights:
    capability: 0.5
    performance: 0.3
    context: 0.2
  min_routing_score: 0.3
  default_template: full

health:
  ema_decay: 0.2
  degraded_threshold: 3
  circuit_open_threshold: 5
  circuit_cooldown_seconds: 60
  sweep_interval: 5s

engine:
  max_concurrent_dispatches: 5
  auto_size: false
  task_timeout_seconds: 120
  memory_budget: 16
  cpu_budget: 8
  classes:
    heavy:
      timeout_seconds: 300
      memory_weight: 4
      cpu_weight: 2
  dispatch_rate: 0
  dispatch_burst: 5

recovery:
  retry_max_attempts: 3
  base_delay: 2s
  multiplier: 2
  max_delay: 30s
  jitter: 0

state:
  backend: sqlite
  path: .dispatch/state.db

registry:
  catalog: .dispatch/workers.yaml
  watch: true

api:
  host: 127.0.0.1
  port: 8780
  cors_origins: []
  timeout: 60s
`

// Default returns the configuration produced when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Routing: RoutingConfig{
			Weights:         WeightsConfig{Capability: 0.5, Performance: 0.3, Context: 0.2},
			MinRoutingScore: DefaultMinRoutingScore,
			DefaultTemplate: "full",
		},
		Health: HealthConfig{
			EMADecay:               DefaultEMADecay,
			DegradedThreshold:      DefaultDegradedThreshold,
			CircuitOpenThreshold:   DefaultCircuitOpenThreshold,
			CircuitCooldownSeconds: DefaultCircuitCooldownSeconds,
			SweepInterval:          "5s",
		},
		Engine: EngineConfig{
			MaxConcurrentDispatches: DefaultMaxConcurrentDispatches,
			TaskTimeoutSeconds:      DefaultTaskTimeoutSeconds,
			MemoryBudget:            16,
			CPUBudget:               8,
			Classes:                 map[string]ClassConfig{},
			DispatchBurst:           5,
		},
		Recovery: RecoveryConfig{
			RetryMaxAttempts: DefaultRetryMaxAttempts,
			BaseDelay:        "2s",
			Multiplier:       2,
			MaxDelay:         "30s",
		},
		State:    StateConfig{Backend: "sqlite", Path: ".dispatch/state.db"},
		Registry: RegistryConfig{Catalog: ".dispatch/workers.yaml", Watch: true},
		API:      APIConfig{Host: "127.0.0.1", Port: 8780, Timeout: "60s"},
	}
}
