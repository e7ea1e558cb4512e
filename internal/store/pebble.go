package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/scrivanohq/scrivano/internal/kv"
)

// pebbleStore is a KV durable backend. Operations are stored as JSON under
// a primary key plus one ordered secondary index key per operation; the
// index key is rewritten whenever status, priority, or table change.
type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dataDir string) (*pebbleStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	slog.Info("operation store opened", "backend", "pebble", "path", filepath.Join(dataDir, "pebble"))
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

func (s *pebbleStore) getOperation(id string) (*Operation, error) {
	v, closer, err := s.db.Get(kv.OpKey(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	defer func() { _ = closer.Close() }()

	var op Operation
	if err := json.Unmarshal(v, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return &op, nil
}

func (s *pebbleStore) GetOperations() ([]*Operation, error) {
	lower := kv.OpPrefix()
	upper := kv.PrefixUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var ops []*Operation
	for iter.First(); iter.Valid(); iter.Next() {
		var op Operation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			return nil, fmt.Errorf("decode operation at %q: %w", iter.Key(), err)
		}
		ops = append(ops, &op)
	}
	return ops, iter.Error()
}

func (s *pebbleStore) GetOperationsByStatus(status string) ([]*Operation, error) {
	lower := kv.OpIndexStatusPrefix(status)
	upper := kv.PrefixUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var ops []*Operation
	for iter.First(); iter.Valid(); iter.Next() {
		id, ok := kv.OpIDFromIndexKey(iter.Key())
		if !ok {
			continue
		}
		op, err := s.getOperation(id)
		if err != nil {
			return nil, err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops, iter.Error()
}

func (s *pebbleStore) PutOperation(op *Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}

	prev, err := s.getOperation(op.ID)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if prev != nil {
		if err := b.Delete(indexKeyFor(prev), nil); err != nil {
			return fmt.Errorf("drop old index key for %s: %w", op.ID, err)
		}
	}
	if err := b.Set(kv.OpKey(op.ID), raw, nil); err != nil {
		return fmt.Errorf("set operation %s: %w", op.ID, err)
	}
	if err := b.Set(indexKeyFor(op), nil, nil); err != nil {
		return fmt.Errorf("set index key for %s: %w", op.ID, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *pebbleStore) DeleteOperation(id string) error {
	prev, err := s.getOperation(id)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Delete(kv.OpKey(id), nil); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	if err := b.Delete(indexKeyFor(prev), nil); err != nil {
		return fmt.Errorf("delete index key for %s: %w", id, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit delete %s: %w", id, err)
	}
	return nil
}

func (s *pebbleStore) GetDeadLetters() ([]*DeadLetterEntry, error) {
	lower := kv.DeadLetterPrefix()
	upper := kv.PrefixUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var entries []*DeadLetterEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e DeadLetterEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter at %q: %w", iter.Key(), err)
		}
		entries = append(entries, &e)
	}
	return entries, iter.Error()
}

func (s *pebbleStore) PutDeadLetter(e *DeadLetterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", e.ID, err)
	}
	if err := s.db.Set(kv.DeadLetterKey(e.ID), raw, pebble.Sync); err != nil {
		return fmt.Errorf("put dead letter %s: %w", e.ID, err)
	}
	return nil
}

func (s *pebbleStore) DeleteDeadLetter(id string) error {
	if err := s.db.Delete(kv.DeadLetterKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	return nil
}

func indexKeyFor(op *Operation) []byte {
	return kv.OpIndexKey(op.Status, op.Table, op.Priority, uint64(op.CreatedAt.UnixNano()), op.ID)
}
