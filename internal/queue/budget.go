package queue

import "time"

// RetryBudget caps total retries issued in a trailing window, independent
// of per-operation limits, to keep a struggling remote from being hammered
// by retry storms. Shared across the process. Callers must hold the
// service mutex.
type RetryBudget struct {
	capacity int
	window   time.Duration
	issued   []time.Time

	now func() time.Time
}

// NewRetryBudget creates a budget of `capacity` retries per `window`.
func NewRetryBudget(capacity int, window time.Duration) *RetryBudget {
	return &RetryBudget{
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// Allow consumes n units if the window has room for all of them.
// All-or-nothing: a partial batch retry would still hit the remote once.
func (b *RetryBudget) Allow(n int) bool {
	if n <= 0 {
		return true
	}
	now := b.now()
	b.prune(now)
	if len(b.issued)+n > b.capacity {
		return false
	}
	for i := 0; i < n; i++ {
		b.issued = append(b.issued, now)
	}
	return true
}

// Remaining returns how many retry units the window currently has left.
func (b *RetryBudget) Remaining() int {
	b.prune(b.now())
	return b.capacity - len(b.issued)
}

// Utilization returns the consumed fraction of the window, 0..1.
func (b *RetryBudget) Utilization() float64 {
	b.prune(b.now())
	if b.capacity == 0 {
		return 0
	}
	return float64(len(b.issued)) / float64(b.capacity)
}

// Reset clears the window.
func (b *RetryBudget) Reset() {
	b.issued = b.issued[:0]
}

func (b *RetryBudget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.issued) && !b.issued[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.issued = append(b.issued[:0], b.issued[i:]...)
	}
}
