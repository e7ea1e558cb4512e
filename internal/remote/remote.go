// Package remote defines the boundary to the authoritative cloud store.
// The sync engine only ever talks to it in table-scoped batches; there is
// no per-record error granularity at this boundary.
package remote

import (
	"context"
	"encoding/json"
)

// Record is one record in a batch destined for a remote table.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BatchResult is the remote's verdict on a whole batch.
type BatchResult struct {
	Success          bool     `json:"success"`
	RecordsProcessed int      `json:"records_processed"`
	Errors           []string `json:"errors,omitempty"`
}

// Store is the remote collaborator contract. Any non-success result or
// returned error counts as a single failure for the entire batch.
// Implementations tag returned errors with a syncerr category where the
// cause is known at origin.
type Store interface {
	UpsertBatch(ctx context.Context, table string, records []Record) (*BatchResult, error)
	DeleteBatch(ctx context.Context, table string, ids []string) (*BatchResult, error)
}

// Transform rewrites a payload before it leaves the process. The
// encryption-at-rest step for protected record types is supplied through
// this hook; the engine treats it as opaque.
type Transform func(table string, payload json.RawMessage) (json.RawMessage, error)
