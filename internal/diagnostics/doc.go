// Package diagnostics reports host and process resources.
//
//   - SystemMetricsCollector reads CPU, memory, disk, load and GPU inventory
//     through gopsutil and ghw.
//   - PoolSize turns those metrics into a concurrent dispatch limit for
//     engine auto-sizing.
//   - ResourceMonitor samples goroutines and heap periodically, counts
//     dispatches and logs threshold breaches.
package diagnostics
