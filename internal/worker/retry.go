package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy shapes the outbox redelivery schedule: exponential growth from
// InitialDelay by BackoffFactor, clamped to MaxDelay. Jitter spreads a burst
// of failed deliveries so they do not retry in lockstep.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy is tuned for the task-service collaborator: quick first
// retries for transient blips, minute-scale once it looks like an outage.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
		Jitter:        0.2,
	}
}

// NextDelay returns the wait before the given 1-based attempt.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := r.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	if d <= 0 || (r.MaxDelay > 0 && d > r.MaxDelay) {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = base
	}

	if r.Jitter > 0 {
		span := float64(d) * r.Jitter
		d += time.Duration(rand.Float64()*2*span - span)
		if d < base {
			d = base
		}
	}
	return d
}
