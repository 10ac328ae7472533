package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestBackoffIsCappedAndJittered(t *testing.T) {
	bo := NewBackoff(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	steps := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, step := range steps {
		d := bo.Next()
		ceiling := step * time.Millisecond
		assert.GreaterOrEqual(t, d, ceiling/2, "step %d", i)
		assert.LessOrEqual(t, d, ceiling, "step %d", i)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(3), "op", isTransient, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(5), "op", isTransient, func(context.Context, int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoIsBounded(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(3), "op", isTransient, func(context.Context, int) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}
	_, err := Do(ctx, cfg, "op", isTransient, func(context.Context, int) error {
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}
