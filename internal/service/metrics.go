package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// MetricsCollector aggregates dispatch metrics from the event bus.
type MetricsCollector struct {
	mu       sync.RWMutex
	dispatch DispatchMetrics
	workers  map[string]*WorkerMetrics
	routing  map[string]int
}

// DispatchMetrics holds process-wide workflow and task counters.
type DispatchMetrics struct {
	WorkflowsCreated   int           `json:"workflows_created"`
	WorkflowsCompleted int           `json:"workflows_completed"`
	WorkflowsPartial   int           `json:"workflows_partial"`
	WorkflowsFailed    int           `json:"workflows_failed"`
	WorkflowsCancelled int           `json:"workflows_cancelled"`
	DecisionsOpened    int           `json:"decisions_opened"`
	DecisionsResolved  int           `json:"decisions_resolved"`
	TasksDispatched    int           `json:"tasks_dispatched"`
	TasksSucceeded     int           `json:"tasks_succeeded"`
	TaskFailures       int           `json:"task_failures"`
	TasksTimedOut      int           `json:"tasks_timed_out"`
	TasksRetried       int           `json:"tasks_retried"`
	TasksRerouted      int           `json:"tasks_rerouted"`
	TasksSkipped       int           `json:"tasks_skipped"`
	HealthTransitions  int           `json:"health_transitions"`
	TotalRunTime       time.Duration `json:"total_run_time"`
}

// WorkerMetrics holds per-worker invocation counters.
type WorkerMetrics struct {
	WorkerID      string        `json:"worker_id"`
	Invocations   int           `json:"invocations"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastHealth    string        `json:"last_health,omitempty"`
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Dispatch DispatchMetrics `json:"dispatch"`
	Workers  []WorkerMetrics `json:"workers"`
	// Routing counts decisions per routing method.
	Routing map[string]int `json:"routing"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		workers: make(map[string]*WorkerMetrics),
		routing: make(map[string]int),
	}
}

// Run consumes ch until it closes or ctx is done.
func (m *MetricsCollector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe folds one event into the counters.
func (m *MetricsCollector) Observe(ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case events.WorkflowCreatedEvent:
		m.dispatch.WorkflowsCreated++
	case events.WorkflowCompletedEvent:
		m.dispatch.WorkflowsCompleted++
		if e.Partial {
			m.dispatch.WorkflowsPartial++
		}
		m.dispatch.TotalRunTime += e.Duration
	case events.WorkflowFailedEvent:
		m.dispatch.WorkflowsFailed++
	case events.WorkflowCancelledEvent:
		m.dispatch.WorkflowsCancelled++
	case events.DecisionEvent:
		if e.EventType() == events.TypeDecisionOpened {
			m.dispatch.DecisionsOpened++
		} else {
			m.dispatch.DecisionsResolved++
		}
	case events.RoutingDecidedEvent:
		m.routing[e.Method]++
	case events.WorkerHealthChangedEvent:
		m.dispatch.HealthTransitions++
		m.worker(e.WorkerID).LastHealth = e.To
	case events.TaskEvent:
		m.observeTask(e)
	}
}

func (m *MetricsCollector) observeTask(e events.TaskEvent) {
	switch e.EventType() {
	case events.TypeTaskDispatched:
		m.dispatch.TasksDispatched++
		m.worker(e.WorkerID).Invocations++
	case events.TypeTaskSucceeded:
		m.dispatch.TasksSucceeded++
		w := m.worker(e.WorkerID)
		w.Successes++
		m.addDuration(w, e.Duration)
	case events.TypeTaskFailed:
		m.dispatch.TaskFailures++
		w := m.worker(e.WorkerID)
		w.Failures++
		m.addDuration(w, e.Duration)
	case events.TypeTaskTimedOut:
		m.dispatch.TasksTimedOut++
		w := m.worker(e.WorkerID)
		w.Failures++
		m.addDuration(w, e.Duration)
	case events.TypeTaskRetrying:
		m.dispatch.TasksRetried++
	case events.TypeTaskRerouted:
		m.dispatch.TasksRerouted++
	case events.TypeTaskSkipped, events.TypeTaskDependencyFailed:
		m.dispatch.TasksSkipped++
	}
}

func (m *MetricsCollector) worker(id string) *WorkerMetrics {
	w, ok := m.workers[id]
	if !ok {
		w = &WorkerMetrics{WorkerID: id}
		m.workers[id] = w
	}
	return w
}

func (m *MetricsCollector) addDuration(w *WorkerMetrics, d time.Duration) {
	w.TotalDuration += d
	if n := w.Successes + w.Failures; n > 0 {
		w.AvgDuration = w.TotalDuration / time.Duration(n)
	}
}

// Snapshot returns a copy of the current metrics, workers sorted by ID.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MetricsSnapshot{
		Dispatch: m.dispatch,
		Workers:  make([]WorkerMetrics, 0, len(m.workers)),
		Routing:  make(map[string]int, len(m.routing)),
	}
	for _, w := range m.workers {
		s.Workers = append(s.Workers, *w)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].WorkerID < s.Workers[j].WorkerID })
	for k, v := range m.routing {
		s.Routing[k] = v
	}
	return s
}

// Reset clears all metrics.
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = DispatchMetrics{}
	m.workers = make(map[string]*WorkerMetrics)
	m.routing = make(map[string]int)
}
