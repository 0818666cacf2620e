package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

func newTestRegistry(t *testing.T, clock *testutil.Clock, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	r := New(DefaultConfig(), opts...)
	t.Cleanup(r.Close)
	for _, w := range testutil.Pool() {
		require.NoError(t, r.Register(w))
	}
	return r
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())

	d, err := r.Lookup("backend")
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, d.Health)
	assert.Equal(t, []string{"api", "backend"}, d.Capabilities)
	assert.Equal(t, core.DefaultSuccessRate, d.Stats.SuccessRate)

	_, err = r.Lookup("ghost")
	assert.True(t, core.HasCode(err, core.CodeNotFound))

	err = r.Register(&core.WorkerDescriptor{ID: "bad id"})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	assert.Equal(t, 5, r.Len())
}

func TestRegistry_ReregisterKeepsStats(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())
	require.NoError(t, r.ReportOutcome("backend", Outcome{Success: false}))

	before, _ := r.Lookup("backend")
	require.NoError(t, r.Register(&core.WorkerDescriptor{ID: "backend", Capabilities: []string{"Go", "backend"}}))
	after, _ := r.Lookup("backend")

	assert.Equal(t, []string{"backend", "go"}, after.Capabilities)
	assert.Equal(t, before.Stats.SuccessRate, after.Stats.SuccessRate)
	assert.Equal(t, 1, after.Stats.Outcomes)
}

func TestRegistry_ReportOutcome_EMA(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())

	require.NoError(t, r.ReportOutcome("backend", Outcome{Success: true, Latency: 100 * time.Millisecond}))
	d, _ := r.Lookup("backend")
	assert.InDelta(t, 0.6, d.Stats.SuccessRate, 1e-9) // 0.8*0.5 + 0.2*1
	assert.Equal(t, 100*time.Millisecond, d.Stats.MeanLatency)

	require.NoError(t, r.ReportOutcome("backend", Outcome{Success: false, Latency: 200 * time.Millisecond}))
	d, _ = r.Lookup("backend")
	assert.InDelta(t, 0.48, d.Stats.SuccessRate, 1e-9)
	assert.Equal(t, 120*time.Millisecond, d.Stats.MeanLatency)
	assert.Equal(t, 1, d.Stats.ConsecutiveFailures)

	assert.Error(t, r.ReportOutcome("ghost", Outcome{Success: true}))
}

func TestRegistry_ReportOutcome_Idempotent(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())
	key := OutcomeKey("task-1", 1)

	require.NoError(t, r.ReportOutcome("tester", Outcome{Success: true, Latency: time.Second, Key: key}))
	once, _ := r.Lookup("tester")
	require.NoError(t, r.ReportOutcome("tester", Outcome{Success: true, Latency: time.Second, Key: key}))
	twice, _ := r.Lookup("tester")

	assert.Equal(t, once.Stats, twice.Stats)
	assert.Equal(t, "task-1#1", key)
}

func TestRegistry_CircuitBreaker(t *testing.T) {
	clock := testutil.NewClock()
	bus := events.New(32)
	defer bus.Close()
	health := bus.Subscribe(events.TypeWorkerHealthChanged)
	r := newTestRegistry(t, clock, WithPublisher(bus))

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.ReportOutcome("backend", Outcome{Success: false}))
		d, _ := r.Lookup("backend")
		switch {
		case i < 3:
			assert.Equal(t, core.HealthHealthy, d.Health, "after %d failures", i)
		case i < 5:
			assert.Equal(t, core.HealthDegraded, d.Health, "after %d failures", i)
		default:
			assert.Equal(t, core.HealthCircuitOpen, d.Health)
		}
	}

	assert.Empty(t, r.FindByCapability([]string{"backend"}), "open circuit must not be offered")

	clock.Advance(59 * time.Second)
	d, _ := r.Lookup("backend")
	assert.Equal(t, core.HealthCircuitOpen, d.Health)

	clock.Advance(time.Second)
	d, _ = r.Lookup("backend")
	assert.Equal(t, core.HealthHealthy, d.Health, "cooldown elapsed")
	assert.Equal(t, 0, d.Stats.ConsecutiveFailures)
	assert.Len(t, r.FindByCapability([]string{"backend"}), 1)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 0, r.Sweep())

	var transitions []string
	for len(transitions) < 3 {
		select {
		case ev := <-health:
			e := ev.(events.WorkerHealthChangedEvent)
			transitions = append(transitions, e.From+">"+e.To)
		case <-time.After(time.Second):
			t.Fatalf("missing health events, got %v", transitions)
		}
	}
	assert.Equal(t, []string{
		"healthy>degraded",
		"degraded>circuit_open",
		"circuit_open>healthy",
	}, transitions)
}

func TestRegistry_FailureAfterCooldownStartsFresh(t *testing.T) {
	clock := testutil.NewClock()
	r := newTestRegistry(t, clock)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.ReportOutcome("tester", Outcome{Success: false}))
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, r.ReportOutcome("tester", Outcome{Success: false}))

	d, _ := r.Lookup("tester")
	assert.Equal(t, core.HealthHealthy, d.Health)
	assert.Equal(t, 1, d.Stats.ConsecutiveFailures)
}

func TestRegistry_FindByCapabilityOrder(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Close()
	require.NoError(t, r.Register(testutil.WithRate(testutil.Worker("slow", core.CategoryImplementation, "api"), 0.9)))
	require.NoError(t, r.Register(testutil.WithRate(testutil.Worker("fast", core.CategoryImplementation, "api"), 0.9)))
	require.NoError(t, r.Register(testutil.WithRate(testutil.Worker("weak", core.CategoryImplementation, "api"), 0.4)))
	require.NoError(t, r.Register(testutil.Worker("other", core.CategoryImplementation, "ui")))

	require.Equal(t, 2, r.Restore(map[string]core.PerformanceStats{
		"slow": {SuccessRate: 0.9, MeanLatency: 2 * time.Second},
		"fast": {SuccessRate: 0.9, MeanLatency: time.Second},
	}))

	var ids []string
	for _, d := range r.FindByCapability([]string{"API"}) {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"fast", "slow", "weak"}, ids)
}

func TestRegistry_Restore(t *testing.T) {
	clock := testutil.NewClock()
	r := newTestRegistry(t, clock)

	n := r.Restore(map[string]core.PerformanceStats{
		"backend": {SuccessRate: 0.2, ConsecutiveFailures: 5, LastFailureAt: clock.Now(), Outcomes: 9},
		"ghost":   {SuccessRate: 1},
	})
	assert.Equal(t, 1, n)

	d, _ := r.Lookup("backend")
	assert.Equal(t, core.HealthCircuitOpen, d.Health)
	assert.Equal(t, 9, d.Stats.Outcomes)
	assert.Contains(t, r.Stats(), "backend")
}

func TestRegistry_ConcurrentOutcomes(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())
	workers := []string{"backend", "tester", "analyst"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := workers[i%len(workers)]
			_ = r.ReportOutcome(id, Outcome{Success: true, Key: fmt.Sprintf("t%d#1", i)})
			_, _ = r.Lookup(id)
			_ = r.FindByCapability([]string{"api"})
		}(i)
	}
	wg.Wait()

	for _, id := range workers {
		d, _ := r.Lookup(id)
		assert.Equal(t, 20, d.Stats.Outcomes, id)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := New(DefaultConfig())
	require.NoError(t, r.Register(testutil.Worker("a", core.CategoryQuality, "qa")))
	r.Close()
	r.Close()

	assert.Error(t, r.ReportOutcome("a", Outcome{Success: true}))
	assert.Error(t, r.Register(testutil.Worker("b", core.CategoryQuality, "qa")))
	_, err := r.Lookup("a")
	assert.NoError(t, err, "reads keep working after close")
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(t, testutil.NewClock())
	snap := r.Snapshot()

	require.NoError(t, r.Register(testutil.Worker("late", core.CategorySetup, "ci")))
	_, ok := snap.Get("late")
	assert.False(t, ok, "snapshot is isolated from later registrations")

	assert.Equal(t, []string{"analyst", "architect", "backend", "data-exporter", "tester"}, snap.IDs())
	assert.Contains(t, snap.Suggest("data-exprter", 3), "data-exporter")
	assert.Contains(t, r.Suggest("exporter", 3), "data-exporter")
	assert.Empty(t, snap.Suggest("", 3))

	_, err := snap.Lookup("nope")
	assert.True(t, core.HasCode(err, core.CodeNotFound))
}
