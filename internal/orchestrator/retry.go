package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff with jitter for agent
// invocation retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the documented "fixed small cap on attempts per
// trigger (e.g., 5)".
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     2 * time.Minute,
	}
}

// nextRetryDelay computes the base exponential delay for the attempt that
// just failed, then applies full jitter (a uniform random delay in
// [0, base]) so that a burst of simultaneously failing tickets doesn't
// retry in lockstep.
func (p RetryPolicy) nextRetryDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	exponent := float64(failedAttempt - 1)
	multiplier := math.Pow(p.Multiplier, exponent)
	base := time.Duration(float64(p.InitialBackoff) * multiplier)
	if base <= 0 {
		base = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && base > p.MaxBackoff {
		base = p.MaxBackoff
	}
	return time.Duration(rand.Float64() * float64(base))
}
