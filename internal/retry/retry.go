// Package retry provides the bounded, jittered exponential backoff used by
// idempotency polling, connector retries and remote policy calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config defines retry behavior. Delays grow by Multiplier from
// InitialDelay and never exceed MaxDelay.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig is three attempts starting at 200ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff yields successive jittered delays for one retry loop.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// NewBackoff starts a delay sequence at cfg.InitialDelay.
func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the next delay: a uniform value in [d/2, d] where d is the
// current capped exponential step.
func (b *Backoff) Next() time.Duration {
	d := min(b.next, b.cfg.MaxDelay)
	b.next = min(time.Duration(float64(b.next)*b.cfg.Multiplier), b.cfg.MaxDelay)
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrExhausted wraps the last error when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs fn up to cfg.MaxAttempts times. Only errors for which retryable
// returns true are retried; any other error is returned at once. The number
// of attempts made is returned alongside the error.
func Do(ctx context.Context, cfg Config, op string, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := max(cfg.MaxAttempts, 1)
	bo := NewBackoff(cfg)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				slog.Debug("retry succeeded", "op", op, "attempt", attempt)
			}
			return attempt, nil
		}
		lastErr = err
		if !retryable(err) {
			return attempt, err
		}
		if attempt == attempts {
			break
		}

		delay := bo.Next()
		slog.Warn("retrying", "op", op, "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", err)
		if err := Sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
		}
	}
	return attempts, fmt.Errorf("%s failed after %d attempts: %w: %w", op, attempts, ErrExhausted, lastErr)
}
