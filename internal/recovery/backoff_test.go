package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := DefaultBackoff()
	b.JitterFactor = 0.25
	for i := 0; i < 50; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, 4*time.Second, b.DelayNoJitter(2))
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

func fastBackoff() Backoff {
	return Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestBackoff_ExecuteSucceedsAfterRetry(t *testing.T) {
	calls := 0
	var notified []int
	err := fastBackoff().ExecuteWithNotify(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return core.ErrTransient("flaky")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestBackoff_ExecuteStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := core.ErrValidation("BAD", "bad input")
	err := fastBackoff().Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_ExecuteExhausted(t *testing.T) {
	err := fastBackoff().Execute(context.Background(), func(context.Context) error {
		return core.ErrTransient("down")
	})
	require.Error(t, err)
	assert.True(t, IsRetryExhausted(err))
	assert.True(t, core.HasCode(err, core.CodeTransientFailure))

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestBackoff_ExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			calls++
			return core.ErrTransient("down")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}
