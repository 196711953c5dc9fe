// Package retry implements bounded retry with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	// RetryIf decides whether an error is worth another attempt.
	// nil means retry everything except Permanent errors.
	RetryIf func(error) bool
}

// DefaultConfig is a general-purpose schedule for outbound calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// ProjectionPolicy is the graph-projection schedule: 7 attempts with delays
// 1s, 2s, 4s, 8s, 16s, 32s between them (about 63s cumulative). Jitter is
// zero so the schedule is exact.
func ProjectionPolicy() Config {
	return Config{
		MaxAttempts:     7,
		InitialDelay:    time.Second,
		MaxDelay:        32 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0,
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retrier stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retrier executes functions under a Config.
type Retrier struct {
	cfg Config
	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error
}

// New creates a Retrier. Zero-value config fields get defaults.
func New(cfg Config) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Retrier{cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, exhausts attempts, hits a permanent error,
// or the context is cancelled. The returned error is the last attempt's.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.cfg.InitialDelay
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if r.cfg.RetryIf != nil && !r.cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.jitter(delay)); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Retrier) jitter(d time.Duration) time.Duration {
	if r.cfg.RandomizeFactor <= 0 {
		return d
	}
	delta := r.cfg.RandomizeFactor * float64(d)
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Schedule returns the delays the config would sleep between attempts.
// Useful for logging and for asserting the projection budget.
func (c Config) Schedule() []time.Duration {
	if c.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, c.MaxAttempts-1)
	delay := c.InitialDelay
	for i := 1; i < c.MaxAttempts; i++ {
		out = append(out, delay)
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return out
}
