package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/scrivanohq/scrivano/internal/kv"
)

// badgerStore mirrors the pebble backend on badger: JSON values under a
// primary key plus one ordered secondary index key per operation.
type badgerStore struct {
	db *badger.DB
}

func openBadgerStore(dataDir string) (*badgerStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	slog.Info("operation store opened", "backend", "badger", "path", filepath.Join(dataDir, "badger"))
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func getOperationTxn(txn *badger.Txn, id string) (*Operation, error) {
	item, err := txn.Get(kv.OpKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	var op Operation
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &op)
	})
	if err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return &op, nil
}

func (s *badgerStore) GetOperations() ([]*Operation, error) {
	var ops []*Operation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.OpPrefix()
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			var op Operation
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &op)
			})
			if err != nil {
				return fmt.Errorf("decode operation at %q: %w", item.Key(), err)
			}
			ops = append(ops, &op)
		}
		return nil
	})
	return ops, err
}

func (s *badgerStore) GetOperationsByStatus(status string) ([]*Operation, error) {
	var ops []*Operation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.OpIndexStatusPrefix(status)
		for it.Seek(prefix); it.Valid(); it.Next() {
			k := it.Item().Key()
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			id, ok := kv.OpIDFromIndexKey(k)
			if !ok {
				continue
			}
			op, err := getOperationTxn(txn, id)
			if err != nil {
				return err
			}
			if op != nil {
				ops = append(ops, op)
			}
		}
		return nil
	})
	return ops, err
}

func (s *badgerStore) PutOperation(op *Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getOperationTxn(txn, op.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := txn.Delete(indexKeyFor(prev)); err != nil {
				return fmt.Errorf("drop old index key for %s: %w", op.ID, err)
			}
		}
		if err := txn.Set(kv.OpKey(op.ID), raw); err != nil {
			return fmt.Errorf("set operation %s: %w", op.ID, err)
		}
		if err := txn.Set(indexKeyFor(op), nil); err != nil {
			return fmt.Errorf("set index key for %s: %w", op.ID, err)
		}
		return nil
	})
}

func (s *badgerStore) DeleteOperation(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getOperationTxn(txn, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return nil
		}
		if err := txn.Delete(kv.OpKey(id)); err != nil {
			return fmt.Errorf("delete operation %s: %w", id, err)
		}
		if err := txn.Delete(indexKeyFor(prev)); err != nil {
			return fmt.Errorf("delete index key for %s: %w", id, err)
		}
		return nil
	})
}

func (s *badgerStore) GetDeadLetters() ([]*DeadLetterEntry, error) {
	var entries []*DeadLetterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := kv.DeadLetterPrefix()
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			var e DeadLetterEntry
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			})
			if err != nil {
				return fmt.Errorf("decode dead letter at %q: %w", item.Key(), err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (s *badgerStore) PutDeadLetter(e *DeadLetterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", e.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kv.DeadLetterKey(e.ID), raw)
	})
}

func (s *badgerStore) DeleteDeadLetter(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(kv.DeadLetterKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
