package queue

import "time"

// Config holds sync engine tuning.
type Config struct {
	MaxAttempts       int           // per-operation send attempts before dead-lettering
	InitialDelay      time.Duration // backoff base
	BackoffMultiplier float64       // backoff growth factor
	MaxDelay          time.Duration // backoff ceiling
	BreakerThreshold  int           // consecutive batch failures before the breaker opens
	BreakerOpenFor    time.Duration // how long the breaker stays open before a probe
	BudgetCapacity    int           // retries allowed per budget window, process-wide
	BudgetWindow      time.Duration // sliding budget window
	RetentionWindow   time.Duration // how long failed operations are kept before the sweep purges them
	SweepInterval     time.Duration // cadence of the retention sweep
	CloseTimeout      time.Duration // bound on waiting for outstanding writes at shutdown
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Minute,
		BreakerThreshold:  5,
		BreakerOpenFor:    30 * time.Second,
		BudgetCapacity:    30,
		BudgetWindow:      1 * time.Minute,
		RetentionWindow:   24 * time.Hour,
		SweepInterval:     1 * time.Hour,
		CloseTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = def.BreakerOpenFor
	}
	if c.BudgetCapacity <= 0 {
		c.BudgetCapacity = def.BudgetCapacity
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = def.BudgetWindow
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}
