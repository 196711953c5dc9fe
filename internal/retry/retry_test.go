package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(Config{MaxAttempts: 4, InitialDelay: time.Millisecond, Multiplier: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestPermanentStopsImmediately(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	sentinel := errors.New("bad request")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, sentinel, err)
}

func TestRetryIfShortCircuits(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		RetryIf:      func(err error) bool { return false },
	})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})

	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "nope")
}

func TestCancelledContext(t *testing.T) {
	r := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func(context.Context) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProjectionPolicySchedule(t *testing.T) {
	sched := ProjectionPolicy().Schedule()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
	}
	assert.Equal(t, want, sched)

	var total time.Duration
	for _, d := range sched {
		total += d
	}
	assert.Equal(t, 63*time.Second, total)
}
