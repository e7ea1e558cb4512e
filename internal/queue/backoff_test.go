package queue

import (
	"testing"
	"time"

	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func testStrategy() RetryStrategy {
	return RetryStrategy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Minute,
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	s := testStrategy()
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := s.Delay(tc.attempts, syncerr.CategoryUnknown); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestDelayCategoryScaling(t *testing.T) {
	s := testStrategy()
	base := s.Delay(3, syncerr.CategoryUnknown)
	if got := s.Delay(3, syncerr.CategoryNetwork); got != base/2 {
		t.Errorf("network delay = %v, want %v", got, base/2)
	}
	if got := s.Delay(3, syncerr.CategoryAuthentication); got != base*2 {
		t.Errorf("authentication delay = %v, want %v", got, base*2)
	}
}

func TestDelayCapped(t *testing.T) {
	s := testStrategy()
	if got := s.Delay(30, syncerr.CategoryAuthentication); got != s.MaxDelay {
		t.Errorf("Delay(30) = %v, want cap %v", got, s.MaxDelay)
	}
	// Monotonic up to the cap.
	prev := time.Duration(0)
	for attempts := 1; attempts <= 30; attempts++ {
		d := s.Delay(attempts, syncerr.CategoryUnknown)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempts, d, prev)
		}
		prev = d
	}
}

func TestDelayZeroAttempts(t *testing.T) {
	s := testStrategy()
	if got := s.Delay(0, syncerr.CategoryUnknown); got != s.InitialDelay {
		t.Errorf("Delay(0) = %v, want %v", got, s.InitialDelay)
	}
}
