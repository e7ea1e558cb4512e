package queue

import (
	"math"
	"time"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// RetryStrategy computes the rest period before the next send attempt.
type RetryStrategy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the backoff after `attempts` failed sends (1-based).
// Exponential in attempts and capped at MaxDelay. Network failures
// self-heal faster than authentication ones, so the curve is scaled per
// category; the result stays monotonically non-decreasing and bounded.
func (s RetryStrategy) Delay(attempts int, category syncerr.Category) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(s.InitialDelay) * math.Pow(s.Multiplier, float64(attempts-1))

	switch category {
	case syncerr.CategoryNetwork:
		d *= 0.5
	case syncerr.CategoryAuthentication:
		d *= 2
	}

	if max := float64(s.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}
