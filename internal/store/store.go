package store

import "fmt"

// OperationStore is the durability contract the sync engine depends on:
// one collection of operations keyed by id, plus a dead-letter keyspace,
// surviving process restart. Writes must be durable before Put/Delete
// return — the engine treats a returned nil as "safe to rely on for
// recovery".
type OperationStore interface {
	// GetOperations returns every persisted operation, in no particular order.
	GetOperations() ([]*Operation, error)
	// GetOperationsByStatus returns operations with the given status,
	// ordered by table ASC, priority DESC, created_at ASC.
	GetOperationsByStatus(status string) ([]*Operation, error)
	// PutOperation upserts an operation by id.
	PutOperation(op *Operation) error
	// DeleteOperation removes an operation by id. Missing ids are not errors.
	DeleteOperation(id string) error

	GetDeadLetters() ([]*DeadLetterEntry, error)
	PutDeadLetter(e *DeadLetterEntry) error
	DeleteDeadLetter(id string) error

	Close() error
}

// Open creates or opens an OperationStore at dataDir using the named
// backend: "sqlite" (default), "pebble", or "badger".
func Open(dataDir, backend string) (OperationStore, error) {
	switch backend {
	case "", "sqlite":
		return openSQLiteStore(dataDir)
	case "pebble":
		return openPebbleStore(dataDir)
	case "badger":
		return openBadgerStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite, pebble, or badger)", backend)
	}
}
