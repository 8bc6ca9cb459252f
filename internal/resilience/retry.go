package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff defaults when the config leaves them zero.
const (
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 4 * time.Second
)

// calculateBackoff computes the delay before the given transition (0-based):
// base doubled per transition, capped, with ±25% jitter.
func calculateBackoff(transition int, base, max time.Duration) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(transition)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}

	// Random jitter (±25%)
	jitterRange := float64(backoff) * 0.25
	jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
	backoff = backoff + time.Duration(jitterAmount)

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// retryDelay combines exponential backoff with a server-provided Retry-After
// hint: the hint raises the delay but never past the backoff cap.
func retryDelay(transition int, base, max, retryAfter time.Duration) time.Duration {
	delay := calculateBackoff(transition, base, max)
	if retryAfter > 0 {
		hint := retryAfter
		if hint > max {
			hint = max
		}
		if hint > delay {
			delay = hint
		}
	}
	return delay
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
