package core

import (
	"sort"
	"strings"
	"time"
)

// HealthState is the routing eligibility of a worker.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthCircuitOpen HealthState = "circuit_open"
)

// Category groups workers by the kind of work they do. It decides the default
// phase a worker's task lands in.
type Category string

const (
	CategoryAnalysis       Category = "analysis"
	CategoryDesign         Category = "design"
	CategoryImplementation Category = "implementation"
	CategoryQuality        Category = "quality"
	CategoryManagement     Category = "management"
	CategorySetup          Category = "setup"
)

// DefaultPhase maps a worker category onto a lifecycle phase.
func (c Category) DefaultPhase() Phase {
	switch c {
	case CategoryAnalysis, CategoryManagement:
		return PhaseDiscovery
	case CategoryDesign:
		return PhaseDesign
	case CategoryQuality:
		return PhaseValidation
	default:
		return PhaseImplementation
	}
}

// PerformanceStats are rolling outcome statistics for one worker.
type PerformanceStats struct {
	SuccessRate         float64       `json:"success_rate" yaml:"success_rate"`
	MeanLatency         time.Duration `json:"mean_latency" yaml:"mean_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures" yaml:"-"`
	Outcomes            int           `json:"outcomes" yaml:"-"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty" yaml:"-"`
	OpenedAt            time.Time     `json:"opened_at,omitempty" yaml:"-"`
}

// DefaultSuccessRate is assumed for workers without history.
const DefaultSuccessRate = 0.5

// WorkerDescriptor describes one capability-tagged worker.
type WorkerDescriptor struct {
	ID           string           `json:"id" yaml:"id"`
	Description  string           `json:"description,omitempty" yaml:"description"`
	Capabilities []string         `json:"capabilities" yaml:"capabilities"`
	Class        string           `json:"class,omitempty" yaml:"class"`
	Category     Category         `json:"category,omitempty" yaml:"category"`
	Triggers     []string         `json:"triggers,omitempty" yaml:"triggers"`
	Variants     []string         `json:"variants,omitempty" yaml:"variants"`
	Consumes     []string         `json:"consumes,omitempty" yaml:"consumes"`
	Locks        []string         `json:"locks,omitempty" yaml:"locks"`
	Next         []string         `json:"next,omitempty" yaml:"next"`
	Health       HealthState      `json:"health" yaml:"-"`
	Stats        PerformanceStats `json:"stats" yaml:"stats"`
}

// Validate checks descriptor invariants.
func (d *WorkerDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrValidation(CodeInvalidWorker, "worker ID cannot be empty")
	}
	if strings.ContainsAny(d.ID, " \t\n[]@/") {
		return ErrValidation(CodeInvalidWorker, "worker ID contains reserved characters").
			WithDetail("worker_id", d.ID)
	}
	if len(d.Capabilities) == 0 {
		return ErrValidation(CodeInvalidWorker, "worker must declare at least one capability").
			WithDetail("worker_id", d.ID)
	}
	return nil
}

// HasCapability reports whether the worker carries the tag.
func (d *WorkerDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Overlap counts how many of tags the worker carries.
func (d *WorkerDescriptor) Overlap(tags []string) int {
	n := 0
	for _, t := range tags {
		if d.HasCapability(t) {
			n++
		}
	}
	return n
}

// SupportsVariant reports whether variant may be requested for this worker.
// Workers that list no variants accept any.
func (d *WorkerDescriptor) SupportsVariant(variant string) bool {
	if variant == "" || len(d.Variants) == 0 {
		return true
	}
	for _, v := range d.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d *WorkerDescriptor) Clone() *WorkerDescriptor {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.Triggers = append([]string(nil), d.Triggers...)
	c.Variants = append([]string(nil), d.Variants...)
	c.Consumes = append([]string(nil), d.Consumes...)
	c.Locks = append([]string(nil), d.Locks...)
	c.Next = append([]string(nil), d.Next...)
	return &c
}

// NormalizeTags lower-cases, trims, dedupes and sorts a tag list.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
