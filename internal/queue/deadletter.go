package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/scrivanohq/scrivano/internal/store"
)

// DeadLetterStore holds permanently failed operations for audit and manual
// replay. Entries are durable and survive restart; they live until
// explicitly replayed or cleared. Callers must hold the service mutex.
type DeadLetterStore struct {
	store   store.OperationStore
	entries map[string]*store.DeadLetterEntry
}

// NewDeadLetterStore creates an empty dead letter store over the durable
// backend. Load must be called before use.
func NewDeadLetterStore(s store.OperationStore) *DeadLetterStore {
	return &DeadLetterStore{
		store:   s,
		entries: make(map[string]*store.DeadLetterEntry),
	}
}

// Load restores persisted entries.
func (d *DeadLetterStore) Load() error {
	entries, err := d.store.GetDeadLetters()
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	for _, e := range entries {
		d.entries[e.ID] = e
	}
	return nil
}

// Add records a permanently failed operation with its full attempt
// history. At most one entry exists per operation; replays that fail again
// overwrite rather than duplicate.
func (d *DeadLetterStore) Add(op *store.Operation, finalError, category string) error {
	e := &store.DeadLetterEntry{
		ID:             op.ID,
		Operation:      *op.Clone(),
		FinalError:     finalError,
		ErrorCategory:  category,
		AttemptHistory: append([]store.Attempt(nil), op.AttemptHistory...),
		DeadAt:         time.Now().UTC(),
	}
	if err := d.store.PutDeadLetter(e); err != nil {
		return err
	}
	d.entries[e.ID] = e
	return nil
}

// Get returns the entry for an operation id, or nil.
func (d *DeadLetterStore) Get(id string) *store.DeadLetterEntry {
	return d.entries[id]
}

// List returns all entries ordered by DeadAt ascending.
func (d *DeadLetterStore) List() []*store.DeadLetterEntry {
	out := make([]*store.DeadLetterEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeadAt.Equal(out[j].DeadAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DeadAt.Before(out[j].DeadAt)
	})
	return out
}

// Remove deletes one entry.
func (d *DeadLetterStore) Remove(id string) error {
	if _, ok := d.entries[id]; !ok {
		return nil
	}
	if err := d.store.DeleteDeadLetter(id); err != nil {
		return err
	}
	delete(d.entries, id)
	return nil
}

// Clear deletes all entries.
func (d *DeadLetterStore) Clear() error {
	for id := range d.entries {
		if err := d.store.DeleteDeadLetter(id); err != nil {
			return err
		}
		delete(d.entries, id)
	}
	return nil
}

// Count returns the number of entries.
func (d *DeadLetterStore) Count() int {
	return len(d.entries)
}
