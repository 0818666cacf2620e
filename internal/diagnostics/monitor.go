package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	Goroutines       int           `json:"goroutines"`
	HeapAllocMB      float64       `json:"heap_alloc_mb"`
	HeapInUseMB      float64       `json:"heap_in_use_mb"`
	NumGC            uint32        `json:"num_gc"`
	ProcessUptime    time.Duration `json:"process_uptime"`
	DispatchesTotal  int64         `json:"dispatches_total"`
	DispatchesActive int           `json:"dispatches_active"`
}

// ResourceTrend captures growth rates across the recorded history.
type ResourceTrend struct {
	GoroutineGrowthRate float64  `json:"goroutine_growth_rate"` // per hour
	MemoryGrowthRate    float64  `json:"memory_growth_rate"`    // MB per hour
	IsHealthy           bool     `json:"is_healthy"`
	Warnings            []string `json:"warnings,omitempty"`
}

// HealthWarning represents a single exceeded threshold.
type HealthWarning struct {
	Level   string  `json:"level"` // "warning" or "critical"
	Type    string  `json:"type"`  // "goroutine", "memory"
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// MonitorConfig tunes the ResourceMonitor. Zero thresholds disable a check.
type MonitorConfig struct {
	Interval           time.Duration
	GoroutineThreshold int
	MemoryThresholdMB  int
	HistorySize        int
}

// ResourceMonitor samples the process periodically and logs threshold
// breaches. Dispatch counts are fed by Track.
type ResourceMonitor struct {
	cfg    MonitorConfig
	logger *logging.Logger

	mu      sync.RWMutex
	history []ResourceSnapshot

	dispatchesTotal  atomic.Int64
	dispatchesActive atomic.Int32

	started time.Time
}

// NewResourceMonitor creates a monitor. It samples nothing until Run.
func NewResourceMonitor(cfg MonitorConfig, logger *logging.Logger) *ResourceMonitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &ResourceMonitor{
		cfg:     cfg,
		logger:  logging.OrNop(logger).WithComponent("monitor"),
		history: make([]ResourceSnapshot, 0, cfg.HistorySize),
		started: time.Now(),
	}
}

// Run samples until ctx is done.
func (m *ResourceMonitor) Run(ctx context.Context) {
	m.record(m.TakeSnapshot())
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.record(m.TakeSnapshot())
			for _, w := range m.CheckHealth() {
				m.logger.Warn("resource warning",
					"type", w.Type, "level", w.Level, "value", w.Value, "limit", w.Limit, "message", w.Message)
			}
		}
	}
}

// Track counts one dispatch as active until the returned func is called.
func (m *ResourceMonitor) Track() (done func()) {
	m.dispatchesTotal.Add(1)
	m.dispatchesActive.Add(1)
	var once sync.Once
	return func() { once.Do(func() { m.dispatchesActive.Add(-1) }) }
}

// TakeSnapshot captures current process state.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceSnapshot{
		Timestamp:        time.Now(),
		Goroutines:       runtime.NumGoroutine(),
		HeapAllocMB:      float64(ms.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:      float64(ms.HeapInuse) / 1024 / 1024,
		NumGC:            ms.NumGC,
		ProcessUptime:    time.Since(m.started),
		DispatchesTotal:  m.dispatchesTotal.Load(),
		DispatchesActive: int(m.dispatchesActive.Load()),
	}
}

func (m *ResourceMonitor) record(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns the recorded snapshots, oldest first.
func (m *ResourceMonitor) History() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Latest returns the most recent snapshot.
func (m *ResourceMonitor) Latest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// Trend reports growth between the oldest and newest snapshot.
func (m *ResourceMonitor) Trend() ResourceTrend {
	history := m.History()
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}
	first, last := history[0], history[len(history)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours < 0.01 {
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / hours,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / hours,
		IsHealthy:           true,
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("heap growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}
	return trend
}

// CheckHealth returns the thresholds the latest snapshot exceeds.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	s, ok := m.Latest()
	if !ok {
		s = m.TakeSnapshot()
	}

	var warnings []HealthWarning
	if limit := m.cfg.GoroutineThreshold; limit > 0 && s.Goroutines > limit {
		level := "warning"
		if s.Goroutines > limit*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "goroutine",
			Message: fmt.Sprintf("goroutine count at %d (threshold: %d)", s.Goroutines, limit),
			Value:   float64(s.Goroutines),
			Limit:   float64(limit),
		})
	}
	if limit := m.cfg.MemoryThresholdMB; limit > 0 && s.HeapAllocMB > float64(limit) {
		level := "warning"
		if s.HeapAllocMB > float64(limit)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "memory",
			Message: fmt.Sprintf("heap usage at %.1f MB (threshold: %d MB)", s.HeapAllocMB, limit),
			Value:   s.HeapAllocMB,
			Limit:   float64(limit),
		})
	}
	return warnings
}

// Uptime returns the time since the monitor was created.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}
