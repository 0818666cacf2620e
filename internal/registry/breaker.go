package registry

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Default breaker thresholds.
const (
	DefaultDegradedThreshold    = 3
	DefaultCircuitOpenThreshold = 5
	DefaultCooldown             = 60 * time.Second
)

// Breaker tracks consecutive failures for one worker and derives its health.
//
// Unlike a manual-reset breaker, an open circuit closes on its own once the
// cooldown has elapsed since the last failure. Breaker is not safe for
// concurrent use: the owning registry entry serializes access.
type Breaker struct {
	degradedThreshold int
	openThreshold     int
	cooldown          time.Duration

	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	state               core.HealthState
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// the defaults.
func NewBreaker(degradedThreshold, openThreshold int, cooldown time.Duration) *Breaker {
	if degradedThreshold <= 0 {
		degradedThreshold = DefaultDegradedThreshold
	}
	if openThreshold <= 0 {
		openThreshold = DefaultCircuitOpenThreshold
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		degradedThreshold: degradedThreshold,
		openThreshold:     openThreshold,
		cooldown:          cooldown,
		state:             core.HealthHealthy,
	}
}

// State returns the health as of now without committing a cooldown reset.
func (b *Breaker) State(now time.Time) core.HealthState {
	if b.state != core.HealthHealthy && b.cooledDown(now) {
		return core.HealthHealthy
	}
	return b.state
}

func (b *Breaker) cooledDown(now time.Time) bool {
	return !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) >= b.cooldown
}

// Tick commits a cooldown reset when one is due and returns the previous state.
func (b *Breaker) Tick(now time.Time) (from core.HealthState, changed bool) {
	from = b.state
	if b.state == core.HealthHealthy || !b.cooledDown(now) {
		return from, false
	}
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.state = core.HealthHealthy
	return from, true
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *Breaker) RecordSuccess() (from core.HealthState, changed bool) {
	from = b.state
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.state = core.HealthHealthy
	return from, from != b.state
}

// RecordFailure extends the failure streak. Returns the previous state and
// whether this failure moved the breaker.
func (b *Breaker) RecordFailure(now time.Time) (from core.HealthState, changed bool) {
	from = b.state
	b.consecutiveFailures++
	b.lastFailureAt = now

	switch {
	case b.consecutiveFailures >= b.openThreshold:
		if b.state != core.HealthCircuitOpen {
			b.openedAt = now
		}
		b.state = core.HealthCircuitOpen
	case b.consecutiveFailures >= b.degradedThreshold:
		b.state = core.HealthDegraded
	}
	return from, from != b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	return b.consecutiveFailures
}

// SetState restores persisted breaker values.
func (b *Breaker) SetState(failures int, lastFailure, openedAt time.Time) {
	b.consecutiveFailures = failures
	b.lastFailureAt = lastFailure
	b.openedAt = openedAt
	switch {
	case failures >= b.openThreshold:
		b.state = core.HealthCircuitOpen
		if b.openedAt.IsZero() {
			b.openedAt = lastFailure
		}
	case failures >= b.degradedThreshold:
		b.state = core.HealthDegraded
	default:
		b.state = core.HealthHealthy
	}
}

// GetState returns the values needed to restore the breaker.
func (b *Breaker) GetState() (failures int, lastFailure, openedAt time.Time) {
	return b.consecutiveFailures, b.lastFailureAt, b.openedAt
}
