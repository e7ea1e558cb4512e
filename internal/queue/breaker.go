package queue

import "time"

// Breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// CircuitBreaker guards the remote call path. One breaker is shared across
// all batches in a process. Callers must hold the service mutex; the
// breaker itself is not synchronized.
type CircuitBreaker struct {
	threshold int
	openFor   time.Duration

	state    string
	failures int // consecutive
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after `threshold`
// consecutive failures and allows a single probe after `openFor`.
func NewCircuitBreaker(threshold int, openFor time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		openFor:   openFor,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a remote call may proceed, moving open → half-open
// once the open duration has elapsed. In half-open exactly one probe call
// is admitted until its outcome is recorded.
func (b *CircuitBreaker) Allow() bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess resets the failure counter; a successful half-open probe
// closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.failures = 0
	b.probing = false
	b.state = BreakerClosed
}

// RecordFailure counts a consecutive failure; a failed half-open probe
// reopens the breaker and restarts its timer.
func (b *CircuitBreaker) RecordFailure() {
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() string {
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}
