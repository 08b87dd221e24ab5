// Package retry provides a small exponential-backoff call wrapper shared
// by any component that talks to a flaky external endpoint (REST snapshot
// fetch, tick-size metadata lookup). Grounded on the original Python
// implementation's metadata.py _call_with_retry.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Backoff: 250 * time.Millisecond, BackoffMax: 10 * time.Second}
}

// Do calls fn until it succeeds, ctx is canceled, or MaxAttempts is
// exhausted, sleeping an exponentially growing, jittered delay between
// attempts. It returns the last error on exhaustion.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := backoff(attempt, cfg.Backoff, cfg.BackoffMax)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	mult := 1 << uint(attempt-1)
	d := base * time.Duration(mult)
	jitter := 0.7 + 0.6*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if max > 0 && d > max {
		d = max
	}
	return d
}
