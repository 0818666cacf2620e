package engine

import (
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

func TestRateLimiter_TryAcquire(t *testing.T) {
	clock := testutil.NewClock()
	rl := NewRateLimiter(1, 3, clock.Now)

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("TryAcquire() #%d = false, want true", i+1)
		}
	}
	if rl.TryAcquire() {
		t.Error("TryAcquire() on empty bucket should fail")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	clock := testutil.NewClock()
	rl := NewRateLimiter(2, 2, clock.Now)
	rl.TryAcquire()
	rl.TryAcquire()

	clock.Advance(500 * time.Millisecond)
	if got := rl.Available(); got != 1 {
		t.Errorf("Available() = %v, want 1", got)
	}

	clock.Advance(10 * time.Second)
	if got := rl.Available(); got != 2 {
		t.Errorf("Available() = %v, want capped at 2", got)
	}
}

func TestRateLimiter_NextIn(t *testing.T) {
	clock := testutil.NewClock()
	rl := NewRateLimiter(4, 1, clock.Now)

	if got := rl.NextIn(); got != 0 {
		t.Errorf("NextIn() with tokens = %v, want 0", got)
	}
	rl.TryAcquire()
	if got := rl.NextIn(); got != 250*time.Millisecond {
		t.Errorf("NextIn() = %v, want 250ms", got)
	}
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0, nil)
	if !rl.TryAcquire() {
		t.Error("burst below 1 should still allow one token")
	}
}
