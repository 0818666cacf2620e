// Package registry holds the table of capability-tagged workers together with
// their rolling performance statistics and health state.
package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
)

// DefaultDecay is the EMA weight given to the newest outcome.
const DefaultDecay = 0.2

// maxSeenKeys bounds the per-worker memory of applied outcome keys.
const maxSeenKeys = 4096

// Config tunes statistics and health transitions.
type Config struct {
	Decay                float64
	DegradedThreshold    int
	CircuitOpenThreshold int
	Cooldown             time.Duration
	QueueSize            int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Decay:                DefaultDecay,
		DegradedThreshold:    DefaultDegradedThreshold,
		CircuitOpenThreshold: DefaultCircuitOpenThreshold,
		Cooldown:             DefaultCooldown,
		QueueSize:            16,
	}
}

// Outcome is one completed invocation reported against a worker.
// Key, when set, makes the report idempotent: a key already applied to the
// worker is ignored.
type Outcome struct {
	Success bool
	Latency time.Duration
	Key     string
}

// OutcomeKey builds the idempotency key for a task attempt.
func OutcomeKey(taskID core.TaskID, attempt int) string {
	return string(taskID) + "#" + strconv.Itoa(attempt)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher publishes health and registration events.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.bus = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the worker table. Reads are concurrent; statistic updates for
// a worker are applied by that worker's own goroutine, one at a time, so no
// lock is ever shared between two workers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup

	cfg    Config
	now    func() time.Time
	bus    events.Publisher
	logger *logging.Logger
}

type entry struct {
	mu      sync.RWMutex
	desc    *core.WorkerDescriptor
	breaker *Breaker
	seen    map[string]struct{}
	order   []string
	queue   chan update
}

type update struct {
	apply func(e *entry) []transition
	done  chan struct{}
}

type transition struct {
	from, to core.HealthState
	failures int
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = def.Decay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	r := &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).WithComponent("registry")
	return r
}

// Register adds a worker or replaces the static fields of an existing one.
// Statistics and health of an existing worker are kept.
func (r *Registry) Register(desc *core.WorkerDescriptor) error {
	if desc == nil {
		return core.ErrValidation(core.CodeInvalidWorker, "descriptor is nil")
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	d := desc.Clone()
	d.Capabilities = core.NormalizeTags(d.Capabilities)
	d.Consumes = core.NormalizeTags(d.Consumes)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrState(core.CodeInvalidState, "registry is closed")
	}
	e, replaced := r.entries[d.ID]
	if replaced {
		e.mu.Lock()
		d.Stats = e.desc.Stats
		d.Health = e.desc.Health
		e.desc = d
		e.mu.Unlock()
	} else {
		if d.Stats.Outcomes == 0 && d.Stats.SuccessRate == 0 {
			d.Stats.SuccessRate = core.DefaultSuccessRate
		}
		d.Health = core.HealthHealthy
		e = &entry{
			desc:    d,
			breaker: NewBreaker(r.cfg.DegradedThreshold, r.cfg.CircuitOpenThreshold, r.cfg.Cooldown),
			seen:    make(map[string]struct{}),
			queue:   make(chan update, r.cfg.QueueSize),
		}
		r.entries[d.ID] = e
		r.wg.Add(1)
		go r.run(e)
	}
	r.mu.Unlock()

	r.logger.Debug("worker registered", "worker_id", d.ID, "replaced", replaced)
	events.Emit(r.bus, events.NewWorkerRegisteredEvent(d.ID, d.Capabilities, replaced))
	return nil
}

func (r *Registry) run(e *entry) {
	defer r.wg.Done()
	for u := range e.queue {
		transitions := u.apply(e)
		e.mu.RLock()
		id := e.desc.ID
		e.mu.RUnlock()
		for _, t := range transitions {
			r.logger.Info("worker health changed",
				"worker_id", id, "from", t.from, "to", t.to, "consecutive_failures", t.failures)
			events.Emit(r.bus, events.NewWorkerHealthChangedEvent(id, string(t.from), string(t.to), t.failures))
		}
		close(u.done)
	}
}

// enqueue hands fn to the worker's writer and waits until it has run.
func (r *Registry) enqueue(id string, fn func(e *entry) []transition) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return core.ErrState(core.CodeInvalidState, "registry is closed")
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return core.ErrNotFound("worker", id)
	}
	u := update{apply: fn, done: make(chan struct{})}
	e.queue <- u
	r.mu.RUnlock()
	<-u.done
	return nil
}

// Lookup returns a copy of the worker descriptor with its current health.
func (r *Registry) Lookup(id string) (*core.WorkerDescriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound("worker", id)
	}
	return r.view(e), nil
}

func (r *Registry) view(e *entry) *core.WorkerDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := e.desc.Clone()
	now := r.now()
	d.Health = e.breaker.State(now)
	if d.Health == core.HealthHealthy && e.desc.Health != core.HealthHealthy {
		// cooldown elapsed but not yet committed
		d.Stats.ConsecutiveFailures = 0
		d.Stats.OpenedAt = time.Time{}
	}
	return d
}

// All returns every worker sorted by id.
func (r *Registry) All() []*core.WorkerDescriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*core.WorkerDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.view(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FindByCapability returns the routable workers carrying at least one of
// tags, best performers first. Open circuits are left out.
func (r *Registry) FindByCapability(tags []string) []*core.WorkerDescriptor {
	tags = core.NormalizeTags(tags)
	var out []*core.WorkerDescriptor
	for _, d := range r.All() {
		if d.Health == core.HealthCircuitOpen || d.Overlap(tags) == 0 {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Stats.SuccessRate != b.Stats.SuccessRate {
			return a.Stats.SuccessRate > b.Stats.SuccessRate
		}
		if a.Stats.MeanLatency != b.Stats.MeanLatency {
			return a.Stats.MeanLatency < b.Stats.MeanLatency
		}
		return a.ID < b.ID
	})
	return out
}

// ReportOutcome folds an outcome into the worker's statistics and health.
// It returns once the update has been applied.
func (r *Registry) ReportOutcome(id string, o Outcome) error {
	return r.enqueue(id, func(e *entry) []transition {
		return r.applyOutcome(e, o)
	})
}

func (r *Registry) applyOutcome(e *entry, o Outcome) []transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o.Key != "" {
		if _, dup := e.seen[o.Key]; dup {
			return nil
		}
		e.remember(o.Key)
	}

	now := r.now()
	var out []transition
	if from, changed := e.breaker.Tick(now); changed {
		out = append(out, transition{from: from, to: core.HealthHealthy})
	}

	s := &e.desc.Stats
	x := 0.0
	if o.Success {
		x = 1
	}
	s.SuccessRate = ema(s.SuccessRate, x, r.cfg.Decay)
	if o.Latency > 0 {
		if s.MeanLatency == 0 {
			s.MeanLatency = o.Latency
		} else {
			s.MeanLatency = time.Duration(ema(float64(s.MeanLatency), float64(o.Latency), r.cfg.Decay))
		}
	}
	s.Outcomes++

	var from core.HealthState
	var changed bool
	if o.Success {
		from, changed = e.breaker.RecordSuccess()
	} else {
		from, changed = e.breaker.RecordFailure(now)
	}
	e.sync()
	if changed {
		out = append(out, transition{from: from, to: e.desc.Health, failures: s.ConsecutiveFailures})
	}
	return out
}

func ema(prev, x, alpha float64) float64 {
	return (1-alpha)*prev + alpha*x
}

func (e *entry) remember(key string) {
	e.seen[key] = struct{}{}
	e.order = append(e.order, key)
	if len(e.order) > maxSeenKeys {
		delete(e.seen, e.order[0])
		e.order = e.order[1:]
	}
}

// sync copies breaker state into the descriptor. Caller holds e.mu.
func (e *entry) sync() {
	failures, last, opened := e.breaker.GetState()
	e.desc.Stats.ConsecutiveFailures = failures
	e.desc.Stats.LastFailureAt = last
	e.desc.Stats.OpenedAt = opened
	e.desc.Health = e.breaker.state
}

// Sweep commits due cooldown resets for every worker and returns how many
// workers returned to healthy.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	reset := 0
	for _, id := range ids {
		var n int
		err := r.enqueue(id, func(e *entry) []transition {
			e.mu.Lock()
			defer e.mu.Unlock()
			from, changed := e.breaker.Tick(r.now())
			if !changed {
				return nil
			}
			e.sync()
			n = 1
			return []transition{{from: from, to: core.HealthHealthy}}
		})
		if err == nil {
			reset += n
		}
	}
	return reset
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("circuit cooldowns elapsed", "workers", n)
			}
		}
	}
}

// Stats returns the statistics of every worker keyed by id.
func (r *Registry) Stats() map[string]core.PerformanceStats {
	out := make(map[string]core.PerformanceStats)
	for _, d := range r.All() {
		out[d.ID] = d.Stats
	}
	return out
}

// Restore seeds statistics from persisted history. Unknown ids are skipped.
func (r *Registry) Restore(stats map[string]core.PerformanceStats) int {
	restored := 0
	for id, s := range stats {
		s := s
		err := r.enqueue(id, func(e *entry) []transition {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.desc.Stats = s
			e.breaker.SetState(s.ConsecutiveFailures, s.LastFailureAt, s.OpenedAt)
			e.sync()
			return nil
		})
		if err == nil {
			restored++
		}
	}
	return restored
}

// Snapshot returns an immutable copy of the table.
func (r *Registry) Snapshot() *Snapshot {
	return NewSnapshot(r.All()...)
}

// Suggest returns registered ids resembling ref, best match first.
func (r *Registry) Suggest(ref string, max int) []string {
	return r.Snapshot().Suggest(ref, max)
}

// Close stops the per-worker writers. Further updates fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.entries {
		close(e.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
