// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of
	// the computed delay.
	Jitter float64
}

// Default returns the policy used for provider requests.
// Initial: 1s, Max: 30s, Factor: 2, Jitter: 10%.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Quick returns a policy for cheap local retries.
// Initial: 50ms, Max: 2s, Factor: 2, Jitter: 10%.
func Quick() Policy {
	return Policy{
		Initial: 50 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the delay before the given attempt's retry.
// The formula is base = Initial * Factor^(attempt-1), plus a jitter of
// base * Jitter * random(), clamped to Max. Attempts are 1-indexed.
func Compute(p Policy, attempt int) time.Duration {
	return computeWithRand(p, attempt, rand.Float64())
}

func computeWithRand(p Policy, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
