package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateRouting(&cfg.Routing)
	v.validateHealth(&cfg.Health)
	v.validateEngine(&cfg.Engine)
	v.validateRecovery(&cfg.Recovery)
	v.validateState(&cfg.State)
	v.validateAPI(&cfg.API)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateRouting(cfg *RoutingConfig) {
	w := cfg.Weights
	for field, val := range map[string]float64{
		"routing.weights.capability":  w.Capability,
		"routing.weights.performance": w.Performance,
		"routing.weights.context":     w.Context,
	} {
		if val < 0 || val > 1 {
			v.addError(field, val, "must be between 0 and 1")
		}
	}
	if sum := w.Capability + w.Performance + w.Context; math.Abs(sum-1) > 1e-6 {
		v.addError("routing.weights", sum, "weights must sum to 1")
	}
	if cfg.MinRoutingScore < 0 || cfg.MinRoutingScore > 1 {
		v.addError("routing.min_routing_score", cfg.MinRoutingScore, "must be between 0 and 1")
	}
	switch cfg.DefaultTemplate {
	case "full", "build", "quick", "review", "direct":
	default:
		v.addError("routing.default_template", cfg.DefaultTemplate, "must be one of: full, build, quick, review, direct")
	}
}

func (v *Validator) validateHealth(cfg *HealthConfig) {
	if cfg.EMADecay <= 0 || cfg.EMADecay > 1 {
		v.addError("health.ema_decay", cfg.EMADecay, "must be in (0, 1]")
	}
	if cfg.DegradedThreshold < 1 {
		v.addError("health.degraded_threshold", cfg.DegradedThreshold, "must be at least 1")
	}
	if cfg.CircuitOpenThreshold < cfg.DegradedThreshold {
		v.addError("health.circuit_open_threshold", cfg.CircuitOpenThreshold, "must not be lower than degraded_threshold")
	}
	if cfg.CircuitCooldownSeconds < 0 {
		v.addError("health.circuit_cooldown_seconds", cfg.CircuitCooldownSeconds, "must be non-negative")
	}
	v.validateDuration("health.sweep_interval", cfg.SweepInterval)
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	if cfg.MaxConcurrentDispatches < 1 {
		v.addError("engine.max_concurrent_dispatches", cfg.MaxConcurrentDispatches, "must be at least 1")
	}
	if cfg.TaskTimeoutSeconds < 1 {
		v.addError("engine.task_timeout_seconds", cfg.TaskTimeoutSeconds, "must be at least 1")
	}
	if cfg.MemoryBudget < 0 {
		v.addError("engine.memory_budget", cfg.MemoryBudget, "must be non-negative")
	}
	if cfg.CPUBudget < 0 {
		v.addError("engine.cpu_budget", cfg.CPUBudget, "must be non-negative")
	}
	for name, c := range cfg.Classes {
		prefix := "engine.classes." + name
		if c.TimeoutSeconds < 0 {
			v.addError(prefix+".timeout_seconds", c.TimeoutSeconds, "must be non-negative")
		}
		if c.MemoryWeight < 0 || c.CPUWeight < 0 {
			v.addError(prefix, c, "weights must be non-negative")
		}
	}
	if cfg.DispatchRate < 0 {
		v.addError("engine.dispatch_rate", cfg.DispatchRate, "must be non-negative")
	}
	if cfg.DispatchRate > 0 && cfg.DispatchBurst < 1 {
		v.addError("engine.dispatch_burst", cfg.DispatchBurst, "must be at least 1 when dispatch_rate is set")
	}
}

func (v *Validator) validateRecovery(cfg *RecoveryConfig) {
	if cfg.RetryMaxAttempts < 1 {
		v.addError("recovery.retry_max_attempts", cfg.RetryMaxAttempts, "must be at least 1")
	}
	base := v.validateDuration("recovery.base_delay", cfg.BaseDelay)
	maxDelay := v.validateDuration("recovery.max_delay", cfg.MaxDelay)
	if base > 0 && maxDelay > 0 && maxDelay < base {
		v.addError("recovery.max_delay", cfg.MaxDelay, "must not be lower than base_delay")
	}
	if cfg.Multiplier < 1 {
		v.addError("recovery.multiplier", cfg.Multiplier, "must be at least 1")
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		v.addError("recovery.jitter", cfg.Jitter, "must be between 0 and 1")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "sqlite", "json":
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "required for "+cfg.Backend+" backend")
		}
	case "memory":
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, json, memory")
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("api.port", cfg.Port, "must be between 0 and 65535")
	}
	v.validateDuration("api.timeout", cfg.Timeout)
}

func (v *Validator) validateDuration(field, value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return 0
	}
	if d < 0 {
		v.addError(field, value, "must be non-negative")
	}
	return d
}

// ValidateConfig is a convenience function to validate a config.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
