package queue

import "github.com/scrivanohq/scrivano/internal/store"

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Pending            int   `json:"pending"`
	Syncing            int   `json:"syncing"`
	Failed             int   `json:"failed"`
	Total              int   `json:"total"`
	OldestPendingAgeMs int64 `json:"oldest_pending_age_ms"`
}

// RecoveryMetrics aggregates engine lifetime counters.
type RecoveryMetrics struct {
	RecoveredOnInit int    `json:"recovered_on_init"` // syncing→pending flips at startup
	Completed       uint64 `json:"completed"`
	Retried         uint64 `json:"retried"`
	DeadLettered    uint64 `json:"dead_lettered"`
	BudgetDeferred  uint64 `json:"budget_deferred"`
	BreakerRejected uint64 `json:"breaker_rejected"`
}

// Health is the full observability snapshot consumed by the admin surface.
type Health struct {
	Online            bool                     `json:"online"`
	Processing        bool                     `json:"processing"`
	BreakerState      string                   `json:"breaker_state"`
	BudgetUtilization float64                  `json:"budget_utilization"`
	BudgetRemaining   int                      `json:"budget_remaining"`
	DeadLetterCount   int                      `json:"dead_letter_count"`
	DeadLetters       []*store.DeadLetterEntry `json:"dead_letters,omitempty"`
	Recovery          RecoveryMetrics          `json:"recovery"`
	Stats             Stats                    `json:"stats"`
}
