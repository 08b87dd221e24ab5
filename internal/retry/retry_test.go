package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, Backoff: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	cfg := Config{MaxAttempts: 3, Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 5, Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond}
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDoTreatsZeroMaxAttemptsAsOne(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 0, Backoff: time.Millisecond}
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffRespectsMax(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := backoff(attempt, 100*time.Millisecond, 200*time.Millisecond)
		if d > 200*time.Millisecond {
			t.Errorf("backoff(%d) = %v, exceeds max 200ms", attempt, d)
		}
	}
}

func TestBackoffZeroBaseIsZero(t *testing.T) {
	if d := backoff(3, 0, time.Second); d != 0 {
		t.Errorf("backoff with zero base = %v, want 0", d)
	}
}
