package registry

import (
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(0, 0, -1)
	if b.degradedThreshold != DefaultDegradedThreshold {
		t.Errorf("degradedThreshold = %d", b.degradedThreshold)
	}
	if b.openThreshold != DefaultCircuitOpenThreshold {
		t.Errorf("openThreshold = %d", b.openThreshold)
	}
	if b.cooldown != DefaultCooldown {
		t.Errorf("cooldown = %v", b.cooldown)
	}
}

func TestBreaker_Transitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(3, 5, time.Minute)

	for i := 1; i <= 5; i++ {
		from, changed := b.RecordFailure(now)
		switch i {
		case 3:
			if !changed || from != core.HealthHealthy || b.State(now) != core.HealthDegraded {
				t.Fatalf("failure %d: expected healthy -> degraded, got %s (changed=%v)", i, b.State(now), changed)
			}
		case 5:
			if !changed || from != core.HealthDegraded || b.State(now) != core.HealthCircuitOpen {
				t.Fatalf("failure %d: expected degraded -> circuit_open, got %s", i, b.State(now))
			}
		default:
			if i < 3 && changed {
				t.Fatalf("failure %d should not change state", i)
			}
		}
	}

	_, _, openedAt := b.GetState()
	if !openedAt.Equal(now) {
		t.Errorf("openedAt = %v, want %v", openedAt, now)
	}

	// A sixth failure keeps the circuit open without re-opening it.
	if _, changed := b.RecordFailure(now.Add(time.Second)); changed {
		t.Error("sixth failure should not report a change")
	}
}

func TestBreaker_CooldownIsLazyUntilTick(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(3, 5, time.Minute)
	for i := 0; i < 5; i++ {
		b.RecordFailure(now)
	}

	if got := b.State(now.Add(59 * time.Second)); got != core.HealthCircuitOpen {
		t.Fatalf("before cooldown state = %s", got)
	}
	later := now.Add(time.Minute)
	if got := b.State(later); got != core.HealthHealthy {
		t.Fatalf("after cooldown State() = %s, want healthy", got)
	}
	if b.ConsecutiveFailures() != 5 {
		t.Fatal("State() must not mutate the breaker")
	}

	from, changed := b.Tick(later)
	if !changed || from != core.HealthCircuitOpen {
		t.Fatalf("Tick() = %s, %v", from, changed)
	}
	if b.ConsecutiveFailures() != 0 {
		t.Errorf("failures after reset = %d", b.ConsecutiveFailures())
	}
	if _, changed := b.Tick(later); changed {
		t.Error("second Tick() should be a no-op")
	}
}

func TestBreaker_SuccessCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker(3, 5, time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	from, changed := b.RecordSuccess()
	if !changed || from != core.HealthDegraded {
		t.Fatalf("RecordSuccess() = %s, %v", from, changed)
	}
	if b.State(now) != core.HealthHealthy || b.ConsecutiveFailures() != 0 {
		t.Errorf("state = %s, failures = %d", b.State(now), b.ConsecutiveFailures())
	}
}

func TestBreaker_SetState(t *testing.T) {
	now := time.Now()
	b := NewBreaker(3, 5, time.Minute)
	b.SetState(5, now, time.Time{})
	if b.State(now) != core.HealthCircuitOpen {
		t.Errorf("restored state = %s", b.State(now))
	}
	_, _, openedAt := b.GetState()
	if !openedAt.Equal(now) {
		t.Errorf("openedAt should default to last failure")
	}
	b.SetState(3, now, time.Time{})
	if b.State(now) != core.HealthDegraded {
		t.Errorf("restored state = %s", b.State(now))
	}
	b.SetState(0, time.Time{}, time.Time{})
	if b.State(now) != core.HealthHealthy {
		t.Errorf("restored state = %s", b.State(now))
	}
}
