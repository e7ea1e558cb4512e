package queue

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, openFor time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(threshold, openFor)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker should stay closed after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject calls")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("non-consecutive failures should not open the breaker")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("elapsed open duration should admit a probe")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open after failed probe", b.State())
	}
	// Timer restarted: still rejecting until another full open duration.
	*now = now.Add(30 * time.Second)
	if b.Allow() {
		t.Fatal("breaker should still be open, timer restarted at probe failure")
	}
	*now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("breaker should admit a new probe after the restarted timer")
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	b.Reset()
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatal("reset breaker should be closed")
	}
}
