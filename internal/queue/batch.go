package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/store"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// ProcessQueue drains ready operations to the remote store in per-table
// batches. Only one run is active at a time; concurrent calls while a run
// is in flight are no-ops, and the active run loops until nothing is
// ready. Offline, the call returns immediately.
func (s *Service) ProcessQueue(ctx context.Context) error {
	s.mu.Lock()
	if !s.initDone {
		s.mu.Unlock()
		return fmt.Errorf("queue service not initialized")
	}
	if s.closed || !s.online || s.processing {
		s.mu.Unlock()
		return nil
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
		s.notifyListeners()
	}()

	ctx, span := s.tracer.Start(ctx, "queue.process")
	defer span.End()

	var total int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.runPass(ctx)
		total += n
		if err != nil {
			span.SetAttributes(attribute.Int("queue.processed", total))
			return err
		}
		if n == 0 {
			span.SetAttributes(attribute.Int("queue.processed", total))
			return nil
		}
		s.mu.Lock()
		stop := s.closed || !s.online
		s.mu.Unlock()
		if stop {
			return nil
		}
	}
}

// tableBatch is one same-table same-type unit of remote work.
type tableBatch struct {
	table  string
	opType string
	ops    []*store.Operation
}

// runPass sends one round of ready operations and returns how many were
// attempted. Each batch is individually gated by the breaker and the
// budget, so a breaker that opens mid-pass stops the remaining batches
// and a half-open breaker admits a single trial batch.
func (s *Service) runPass(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	ready, err := s.collectReadyLocked(now)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if len(ready) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	batches := partitionBatches(ready)
	s.mu.Unlock()

	var attempted int
	for _, b := range batches {
		n, err := s.dispatchBatch(ctx, b, now)
		if err != nil {
			return attempted, err
		}
		attempted += n
	}
	return attempted, nil
}

// partitionBatches splits ready operations into per-table upsert and
// delete batches, preserving the ready ordering within each batch.
func partitionBatches(ready []*store.Operation) []tableBatch {
	var batches []tableBatch
	for _, table := range store.Tables {
		var upserts, deletes []*store.Operation
		for _, op := range ready {
			if op.Table != table {
				continue
			}
			if op.Type == store.OpDelete {
				deletes = append(deletes, op)
			} else {
				upserts = append(upserts, op)
			}
		}
		if len(upserts) > 0 {
			batches = append(batches, tableBatch{table: table, opType: store.OpUpsert, ops: upserts})
		}
		if len(deletes) > 0 {
			batches = append(batches, tableBatch{table: table, opType: store.OpDelete, ops: deletes})
		}
	}
	return batches
}

// dispatchBatch consults the breaker and the budget for one batch, marks
// its operations in flight, and sends it. Non-admitted operations are
// left pending, untouched, for a later pass. Returns how many operations
// were sent.
func (s *Service) dispatchBatch(ctx context.Context, b tableBatch, now time.Time) (int, error) {
	s.mu.Lock()
	// Settling an earlier batch or a peer message may have touched these
	// operations since collection.
	var ops []*store.Operation
	var retries int
	for _, op := range b.ops {
		if cur := s.ops[op.ID]; cur == nil || cur.Status != store.StatusPending {
			continue
		}
		ops = append(ops, op)
		if op.Attempts > 0 {
			retries++
		}
	}
	if len(ops) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	if !s.breaker.Allow() {
		s.recovery.BreakerRejected += uint64(len(ops))
		s.mu.Unlock()
		slog.Debug("circuit breaker rejected batch", "table", b.table, "type", b.opType, "count", len(ops))
		return 0, nil
	}
	if retries > 0 && !s.budget.Allow(retries) {
		s.recovery.BudgetDeferred += uint64(retries)
		s.mu.Unlock()
		slog.Debug("retry budget exhausted, deferring batch", "table", b.table, "retries", retries)
		return 0, nil
	}

	// Mark the batch in flight before the remote call so a crash mid-send
	// recovers these operations to pending.
	for _, op := range ops {
		op.Status = store.StatusSyncing
		op.Attempts++
		at := now
		op.LastAttemptAt = &at
		if err := s.persistLocked(op); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("mark operation %s syncing: %w", op.ID, err)
		}
		s.unindexLocked(op)
	}
	s.mu.Unlock()
	s.notifyListeners()

	s.sendBatch(ctx, b.table, b.opType, ops)
	return len(ops), nil
}

// collectReadyLocked returns pending operations whose backoff rest has
// elapsed, highest priority first, oldest first within a priority.
// Pending operations already at the attempt cap (left behind by an older
// build) are moved straight to the dead letter store, and pending
// duplicates superseded by a newer operation for the same record are
// discarded.
func (s *Service) collectReadyLocked(now time.Time) ([]*store.Operation, error) {
	var ready []*store.Operation
	for _, op := range s.ops {
		if op.Status != store.StatusPending {
			continue
		}
		k := dedupKey{op.Table, op.RecordID}
		if id, ok := s.dedup[k]; ok && id != op.ID {
			if other := s.ops[id]; other != nil && other.Status == store.StatusPending {
				if err := s.dropSupersededLocked(op); err != nil {
					return nil, err
				}
				continue
			}
			s.dedup[k] = op.ID
		}
		if op.Attempts >= s.cfg.MaxAttempts {
			if err := s.deadLetterLocked(op, op.Error, op.ErrorCategory); err != nil {
				return nil, err
			}
			continue
		}
		if op.LastAttemptAt != nil {
			rest := s.strategy.Delay(op.Attempts, syncerr.Category(op.ErrorCategory))
			if now.Sub(*op.LastAttemptAt) < rest {
				continue
			}
		}
		ready = append(ready, op)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// sendBatch pushes one same-table same-type batch to the remote store and
// settles every operation in it. A batch-level failure is attributed to
// every operation uniformly.
func (s *Service) sendBatch(ctx context.Context, table, opType string, ops []*store.Operation) {
	records := make([]remote.Record, len(ops))
	for i, op := range ops {
		records[i] = remote.Record{ID: op.RecordID, Payload: op.Payload}
	}

	var result *remote.BatchResult
	var err error
	if opType == store.OpDelete {
		ids := make([]string, len(ops))
		for i, op := range ops {
			ids[i] = op.RecordID
		}
		result, err = s.remote.DeleteBatch(ctx, table, ids)
	} else {
		result, err = s.remote.UpsertBatch(ctx, table, records)
	}
	if err == nil && result != nil && !result.Success {
		// Left untagged so the classifier's message heuristics decide the
		// category of failures reported through the result errors channel.
		msg := "remote rejected batch"
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		err = errors.New(msg)
	}

	if err != nil {
		s.failBatch(ops, err)
		return
	}
	s.completeBatch(ops)
}

// completeBatch removes successfully applied operations from the durable
// store and memory.
func (s *Service) completeBatch(ops []*store.Operation) {
	s.mu.Lock()
	s.breaker.RecordSuccess()
	for _, op := range ops {
		if err := s.deleteStoredLocked(op.ID); err != nil {
			slog.Error("remove completed operation", "id", op.ID, "error", err)
			continue
		}
		delete(s.ops, op.ID)
		s.recovery.Completed++
	}
	snapshots := cloneAll(ops)
	s.mu.Unlock()

	for _, op := range snapshots {
		s.publish(MsgOperationCompleted, op, "")
	}
	s.notifyListeners()
}

// failBatch classifies err once and settles every operation in the batch:
// retryable failures under the attempt cap go back to pending with the
// attempt recorded, everything else is dead lettered. An operation whose
// record gained a newer pending edit while this one was in flight is
// superseded and dropped instead of re-entered.
func (s *Service) failBatch(ops []*store.Operation, err error) {
	cls := Classify(err)
	category, retryable := cls.Category, cls.Retryable
	msg := err.Error()

	s.mu.Lock()
	s.breaker.RecordFailure()
	var dead []*store.Operation
	for _, op := range ops {
		delay := s.strategy.Delay(op.Attempts, category)
		op.AttemptHistory = append(op.AttemptHistory, store.Attempt{
			Attempt:   op.Attempts,
			Error:     msg,
			Category:  string(category),
			DelayMs:   delay.Milliseconds(),
			Timestamp: time.Now().UTC(),
		})
		op.Error = msg
		op.ErrorCategory = string(category)

		if !retryable {
			if derr := s.deadLetterLocked(op, "permanent: "+msg, string(category)); derr != nil {
				slog.Error("dead letter operation", "id", op.ID, "error", derr)
				continue
			}
			dead = append(dead, op)
			continue
		}
		if op.Attempts >= s.cfg.MaxAttempts {
			if derr := s.deadLetterLocked(op, msg, string(category)); derr != nil {
				slog.Error("dead letter operation", "id", op.ID, "error", derr)
				continue
			}
			dead = append(dead, op)
			continue
		}

		k := dedupKey{op.Table, op.RecordID}
		if otherID, ok := s.dedup[k]; ok && otherID != op.ID {
			if other := s.ops[otherID]; other != nil && other.Status == store.StatusPending {
				if derr := s.dropSupersededLocked(op); derr != nil {
					slog.Error("drop superseded operation", "id", op.ID, "error", derr)
				}
				continue
			}
		}
		op.Status = store.StatusPending
		if perr := s.persistLocked(op); perr != nil {
			slog.Error("persist retrying operation", "id", op.ID, "error", perr)
		}
		s.dedup[k] = op.ID
		s.recovery.Retried++
	}
	deadSnapshots := cloneAll(dead)
	s.mu.Unlock()

	slog.Warn("batch failed", "count", len(ops), "category", category, "retryable", retryable, "error", msg)
	for _, op := range deadSnapshots {
		s.publish(MsgOperationFailed, op, msg)
	}
	s.notifyListeners()
}

// dropSupersededLocked discards an operation whose record is already
// covered by a newer pending operation. The newer edit carries the state
// that must reach the remote; sending both would ship duplicate records
// for one id.
func (s *Service) dropSupersededLocked(op *store.Operation) error {
	if err := s.deleteStoredLocked(op.ID); err != nil {
		return fmt.Errorf("drop superseded operation %s: %w", op.ID, err)
	}
	delete(s.ops, op.ID)
	slog.Debug("dropped superseded operation", "id", op.ID, "table", op.Table, "record", op.RecordID)
	return nil
}

// deadLetterLocked marks op failed, persists it, and records a dead letter
// entry. The operation stays visible in stats until retention removes it.
func (s *Service) deadLetterLocked(op *store.Operation, finalError, category string) error {
	op.Status = store.StatusFailed
	op.Error = finalError
	op.ErrorCategory = category
	if err := s.persistLocked(op); err != nil {
		return fmt.Errorf("persist failed operation %s: %w", op.ID, err)
	}
	s.unindexLocked(op)
	if err := s.dlq.Add(op, finalError, category); err != nil {
		return fmt.Errorf("dead letter operation %s: %w", op.ID, err)
	}
	s.recovery.DeadLettered++
	return nil
}

func cloneAll(ops []*store.Operation) []*store.Operation {
	out := make([]*store.Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
