package router

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// backoffDelay is exponential backoff with full jitter, clamped to maxDelay.
// attempt 0 is the pause before the second candidate.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}

// sleepWithContext returns ctx.Err() if ctx ends before d elapses.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
