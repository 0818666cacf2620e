package diagnostics

// Pool sizing bounds.
const (
	MinPoolSize = 2
	MaxPoolSize = 8
	// workerMemoryMB is the memory reserved per concurrent worker process.
	workerMemoryMB = 512
)

// PoolSize derives the concurrent dispatch limit from host capacity: three
// quarters of the logical CPUs, capped by available memory, and clamped to
// [MinPoolSize, MaxPoolSize].
func PoolSize(m SystemMetrics) int {
	n := m.CPUThreads * 3 / 4
	if m.MemAvailableMB > 0 {
		if byMem := int(m.MemAvailableMB / workerMemoryMB); byMem < n {
			n = byMem
		}
	}
	switch {
	case n < MinPoolSize:
		return MinPoolSize
	case n > MaxPoolSize:
		return MaxPoolSize
	}
	return n
}

// SuggestPoolSize collects fresh metrics and sizes the pool from them.
func SuggestPoolSize() int {
	return PoolSize(NewSystemMetricsCollector("").Collect())
}
