package testutil

import "github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"

// Worker builds a descriptor with the given capabilities.
func Worker(id string, category core.Category, caps ...string) *core.WorkerDescriptor {
	return &core.WorkerDescriptor{
		ID:           id,
		Capabilities: caps,
		Category:     category,
		Stats:        core.PerformanceStats{SuccessRate: core.DefaultSuccessRate},
	}
}

// WithRate sets the seeded success rate.
func WithRate(d *core.WorkerDescriptor, rate float64) *core.WorkerDescriptor {
	d.Stats.SuccessRate = rate
	return d
}

// Pool returns a small worker pool covering every lifecycle phase.
func Pool() []*core.WorkerDescriptor {
	analyst := Worker("analyst", core.CategoryAnalysis, "requirements", "analysis")
	architect := Worker("architect", core.CategoryDesign, "architecture", "design")
	architect.Consumes = []string{"requirements"}
	backend := Worker("backend", core.CategoryImplementation, "backend", "api")
	backend.Consumes = []string{"architecture"}
	tester := Worker("tester", core.CategoryQuality, "testing", "qa")
	tester.Consumes = []string{"backend", "api"}
	exporter := Worker("data-exporter", core.CategoryImplementation, "data", "export")
	return []*core.WorkerDescriptor{analyst, architect, backend, tester, exporter}
}
