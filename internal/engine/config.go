package engine

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
)

// Default engine limits.
const (
	DefaultMaxConcurrent = 5
	DefaultTaskTimeout   = 120 * time.Second
)

// Class holds the timeout and resource weights of a capability class.
type Class struct {
	Timeout time.Duration
	Memory  int64
	CPU     int64
}

// Config tunes dispatching.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	Classes        map[string]Class
	// Budgets bound the summed class weights of in-flight tasks. Zero means unbounded.
	MemoryBudget int64
	CPUBudget    int64
	// DispatchRate is the dispatch token refill per second. Zero disables limiting.
	DispatchRate  float64
	DispatchBurst int
}

// DefaultConfig returns 5 concurrent dispatches and a 120s timeout.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		DefaultTimeout: DefaultTaskTimeout,
	}
}

// ConfigFrom converts the loaded engine section.
func ConfigFrom(c config.EngineConfig) Config {
	out := Config{
		MaxConcurrent:  c.MaxConcurrentDispatches,
		DefaultTimeout: time.Duration(c.TaskTimeoutSeconds) * time.Second,
		MemoryBudget:   c.MemoryBudget,
		CPUBudget:      c.CPUBudget,
		DispatchRate:   c.DispatchRate,
		DispatchBurst:  c.DispatchBurst,
		Classes:        make(map[string]Class, len(c.Classes)),
	}
	for name, cc := range c.Classes {
		out.Classes[name] = Class{
			Timeout: c.TaskTimeout(name),
			Memory:  cc.MemoryWeight,
			CPU:     cc.CPUWeight,
		}
	}
	return out.normalized()
}

func (c Config) normalized() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTaskTimeout
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = c.MaxConcurrent
	}
	return c
}

// class resolves a capability class. Unknown classes weigh 1/1 and use the
// default timeout.
func (c Config) class(name string) Class {
	cl, ok := c.Classes[name]
	if !ok {
		cl = Class{}
	}
	if cl.Timeout <= 0 {
		cl.Timeout = c.DefaultTimeout
	}
	if cl.Memory <= 0 {
		cl.Memory = 1
	}
	if cl.CPU <= 0 {
		cl.CPU = 1
	}
	return cl
}
