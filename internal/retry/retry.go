// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"math"
	"time"
)

const maxDelay = time.Duration(math.MaxInt64)

// Backoff returns base^attempts seconds. Results that overflow a
// time.Duration saturate at the maximum duration.
func Backoff(attempts int, base float64) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	seconds := math.Pow(base, float64(attempts))
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	nanos := seconds * float64(time.Second)
	if nanos >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(nanos)
}

// IsTerminal reports whether a job that has made attempts executions out of
// maxRetries allowed must go to the dead letter queue.
func IsTerminal(attempts, maxRetries int) bool {
	return attempts >= maxRetries
}

// Decision is the outcome of applying the policy to one failed attempt.
type Decision struct {
	Dead      bool
	Delay     time.Duration
	NextRunAt time.Time
}

// Policy binds the backoff base read from runtime settings.
type Policy struct {
	Base float64
}

// Decide applies the policy to a job that just failed its attempts-th run.
func (p Policy) Decide(attempts, maxRetries int, now time.Time) Decision {
	if IsTerminal(attempts, maxRetries) {
		return Decision{Dead: true, NextRunAt: now}
	}
	delay := Backoff(attempts, p.Base)
	next := now.Add(delay)
	if next.Before(now) {
		// Add overflowed.
		next = time.Unix(0, math.MaxInt64).UTC()
	}
	return Decision{Delay: delay, NextRunAt: next}
}
