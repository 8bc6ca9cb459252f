package resilience

import (
	"context"
	"testing"
	"time"
)

func TestCalculateBackoffBounds(t *testing.T) {
	base := 250 * time.Millisecond
	max := 4 * time.Second

	tests := []struct {
		transition int
		center     time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{10, 4 * time.Second}, // capped
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := calculateBackoff(tt.transition, base, max)
			lo := time.Duration(float64(tt.center) * 0.75)
			hi := time.Duration(float64(tt.center) * 1.25)
			if got < lo || got > hi {
				t.Fatalf("Expected transition %d backoff in [%v, %v], got %v", tt.transition, lo, hi, got)
			}
		}
	}
}

func TestRetryDelayHonorsHint(t *testing.T) {
	base := 250 * time.Millisecond
	max := 4 * time.Second

	t.Run("hint raises the delay", func(t *testing.T) {
		got := retryDelay(0, base, max, 2*time.Second)
		if got != 2*time.Second {
			t.Errorf("Expected the 2s hint, got %v", got)
		}
	})

	t.Run("hint is capped", func(t *testing.T) {
		got := retryDelay(0, base, max, time.Minute)
		if got != max {
			t.Errorf("Expected the hint capped at %v, got %v", max, got)
		}
	})

	t.Run("small hint defers to backoff", func(t *testing.T) {
		got := retryDelay(4, base, max, time.Millisecond)
		lo := time.Duration(float64(max) * 0.75)
		if got < lo {
			t.Errorf("Expected backoff to win over a 1ms hint, got %v", got)
		}
	})
}

func TestSleepCtx(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
			t.Errorf("Expected nil, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := sleepCtx(ctx, time.Minute); err == nil {
			t.Error("Expected a context error")
		}
	})

	t.Run("zero duration checks context", func(t *testing.T) {
		if err := sleepCtx(context.Background(), 0); err != nil {
			t.Errorf("Expected nil for zero duration, got %v", err)
		}
	})
}
