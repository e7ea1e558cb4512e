// Package queue implements the offline-tolerant sync engine: a durable
// operation queue that reconciles local document edits with the remote
// store under intermittent connectivity.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/store"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

// scopeIDRe matches well-formed project scope identifiers. Malformed
// scopes are rejected at enqueue and never persisted.
var scopeIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{3,63}$`)

type dedupKey struct {
	table    string
	recordID string
}

// Service is the orchestrating façade over the durable store, dedup index,
// batch processor, circuit breaker, retry budget and dead letter store.
// Constructed once at process start and passed by handle to callers.
//
// One mutex guards the queue map, dedup index, breaker, budget and dead
// letter store as a unit; remote calls happen outside it.
type Service struct {
	cfg      Config
	store    store.OperationStore
	remote   remote.Store
	strategy RetryStrategy
	tracer   trace.Tracer

	validator *remote.SchemaValidator
	coord     Coordinator

	mu       sync.Mutex
	ops      map[string]*store.Operation
	dedup    map[dedupKey]string // pending operations only
	breaker  *CircuitBreaker
	budget   *RetryBudget
	dlq      *DeadLetterStore
	recovery RecoveryMetrics

	online     bool
	processing bool

	initOnce sync.Once
	initErr  error
	initDone bool

	listenerMu sync.Mutex
	listeners  []func(Stats)

	// Outstanding durable writes; CloseAndWait blocks until drained.
	writeMu       sync.Mutex
	writeCond     *sync.Cond
	pendingWrites int

	janitorStop chan struct{}
	janitorDone chan struct{}
	closed      bool
}

// New creates a Service over the given durable and remote stores. Call
// Init before any other method.
func New(st store.OperationStore, rs remote.Store, cfg Config) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		store:  st,
		remote: rs,
		ops:    make(map[string]*store.Operation),
		dedup:  make(map[dedupKey]string),
		coord:  NopCoordinator{},
		online: true,
		tracer: otel.Tracer("scrivano/queue"),
	}
	s.strategy = RetryStrategy{
		InitialDelay: s.cfg.InitialDelay,
		Multiplier:   s.cfg.BackoffMultiplier,
		MaxDelay:     s.cfg.MaxDelay,
	}
	s.breaker = NewCircuitBreaker(s.cfg.BreakerThreshold, s.cfg.BreakerOpenFor)
	s.budget = NewRetryBudget(s.cfg.BudgetCapacity, s.cfg.BudgetWindow)
	s.dlq = NewDeadLetterStore(st)
	s.writeCond = sync.NewCond(&s.writeMu)
	return s
}

// SetCoordinator wires a cross-process coordinator. Must be called before
// Init.
func (s *Service) SetCoordinator(c Coordinator) {
	if c == nil {
		c = NopCoordinator{}
	}
	s.coord = c
}

// SetValidator wires per-table payload validation at enqueue. Must be
// called before Init.
func (s *Service) SetValidator(v *remote.SchemaValidator) {
	s.validator = v
}

// Init loads persisted operations, flips any operation interrupted
// mid-flight back to pending (a send interrupted by a crash must be
// retried, never assumed successful or lost), and rebuilds the dedup index
// from pending entries. Idempotent; concurrent callers share one run.
func (s *Service) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
	})
	return s.initErr
}

func (s *Service) initialize(ctx context.Context) error {
	ops, err := s.store.GetOperations()
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	s.mu.Lock()
	for _, op := range ops {
		if op.Status == store.StatusSyncing {
			op.Status = store.StatusPending
			if err := s.persistLocked(op); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("recover operation %s: %w", op.ID, err)
			}
			s.recovery.RecoveredOnInit++
		}
		s.ops[op.ID] = op
		if op.Status == store.StatusPending {
			s.indexPendingLocked(op)
		}
	}
	if err := s.dlq.Load(); err != nil {
		s.mu.Unlock()
		return err
	}
	recovered := s.recovery.RecoveredOnInit
	total := len(s.ops)
	s.initDone = true
	s.mu.Unlock()

	s.coord.Subscribe(s.handlePeerMessage)

	s.janitorStop = make(chan struct{})
	s.janitorDone = make(chan struct{})
	go s.runJanitor()

	slog.Info("sync queue initialized", "operations", total, "recovered", recovered, "dead_letters", s.dlq.Count())
	return nil
}

// indexPendingLocked adds op to the dedup index unless a newer pending
// operation already claims the key. The newest edit for a record carries
// the state that must reach the remote, so on a collision the later
// createdAt wins and the older operation is discarded when next selected.
func (s *Service) indexPendingLocked(op *store.Operation) {
	k := dedupKey{op.Table, op.RecordID}
	if otherID, ok := s.dedup[k]; ok && otherID != op.ID {
		if other := s.ops[otherID]; other != nil && other.Status == store.StatusPending && other.CreatedAt.After(op.CreatedAt) {
			return
		}
	}
	s.dedup[k] = op.ID
}

// unindexLocked removes op's dedup entry unless a different operation has
// since claimed the key.
func (s *Service) unindexLocked(op *store.Operation) {
	k := dedupKey{op.Table, op.RecordID}
	if id, ok := s.dedup[k]; ok && id == op.ID {
		delete(s.dedup, k)
	}
}

// EnqueueRequest carries one local edit into the queue.
type EnqueueRequest struct {
	Type     string          `json:"type"` // upsert | delete
	Table    string          `json:"table"`
	RecordID string          `json:"record_id"`
	ScopeID  string          `json:"scope_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"`
}

// Enqueue validates, deduplicates, and durably stores one operation,
// returning its id. While an operation for the same (table, record) is
// still pending it is updated in place instead of duplicated. If the
// process is online and idle, processing is kicked off asynchronously.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Type != store.OpUpsert && req.Type != store.OpDelete {
		return "", syncerr.New(syncerr.CategoryValidation, fmt.Sprintf("invalid operation type %q", req.Type))
	}
	if !store.ValidTable(req.Table) {
		return "", syncerr.New(syncerr.CategoryValidation, fmt.Sprintf("unknown table %q", req.Table))
	}
	if req.RecordID == "" {
		return "", syncerr.New(syncerr.CategoryValidation, "record id is required")
	}
	if !scopeIDRe.MatchString(req.ScopeID) {
		return "", syncerr.New(syncerr.CategoryValidation, fmt.Sprintf("malformed scope id %q", req.ScopeID))
	}
	if req.Type == store.OpUpsert {
		if err := s.validator.Validate(req.Table, req.Payload); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	if !s.initDone {
		s.mu.Unlock()
		return "", fmt.Errorf("queue service not initialized")
	}

	var op *store.Operation
	k := dedupKey{req.Table, req.RecordID}
	if id, ok := s.dedup[k]; ok {
		if existing := s.ops[id]; existing != nil && existing.Status == store.StatusPending {
			// Merge in place: replace payload/type/priority, reset the
			// retry timer so the merged edit is immediately eligible.
			existing.Type = req.Type
			existing.Payload = req.Payload
			existing.Priority = req.Priority
			existing.ScopeID = req.ScopeID
			existing.LastAttemptAt = nil
			existing.Error = ""
			existing.ErrorCategory = ""
			op = existing
		}
	}
	if op == nil {
		op = &store.Operation{
			ID:        store.NewOperationID(),
			Type:      req.Type,
			Table:     req.Table,
			RecordID:  req.RecordID,
			ScopeID:   req.ScopeID,
			Payload:   req.Payload,
			Status:    store.StatusPending,
			Priority:  req.Priority,
			CreatedAt: time.Now().UTC(),
		}
	}
	if err := s.persistLocked(op); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("persist operation: %w", err)
	}
	s.ops[op.ID] = op
	s.dedup[k] = op.ID
	opID := op.ID
	snapshot := *op
	shouldProcess := s.online && !s.processing
	s.mu.Unlock()

	s.notifyListeners()
	s.publish(MsgOperationEnqueued, &snapshot, "")

	if shouldProcess {
		go func() {
			if err := s.ProcessQueue(context.Background()); err != nil {
				slog.Error("background queue processing", "error", err)
			}
		}()
	}
	return opID, nil
}

// SetOnline records connectivity. Transitions are edge-triggered: coming
// online re-triggers processing; going offline only prevents new runs, an
// in-flight remote call is left to finish on its own.
func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if online && !was {
		slog.Info("connectivity restored, resuming sync")
		go func() {
			if err := s.ProcessQueue(context.Background()); err != nil {
				slog.Error("resume queue processing", "error", err)
			}
		}()
	}
}

// Stats returns per-status counts and the oldest pending age. Side-effect
// free.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Service) statsLocked() Stats {
	var st Stats
	var oldest time.Time
	for _, op := range s.ops {
		switch op.Status {
		case store.StatusPending:
			st.Pending++
			if oldest.IsZero() || op.CreatedAt.Before(oldest) {
				oldest = op.CreatedAt
			}
		case store.StatusSyncing:
			st.Syncing++
		case store.StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(s.ops)
	if !oldest.IsZero() {
		st.OldestPendingAgeMs = time.Since(oldest).Milliseconds()
	}
	return st
}

// Health returns breaker state, budget utilization, dead letter listing
// and recovery metrics.
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Online:            s.online,
		Processing:        s.processing,
		BreakerState:      s.breaker.State(),
		BudgetUtilization: s.budget.Utilization(),
		BudgetRemaining:   s.budget.Remaining(),
		DeadLetterCount:   s.dlq.Count(),
		DeadLetters:       s.dlq.List(),
		Recovery:          s.recovery,
		Stats:             s.statsLocked(),
	}
}

// RecoveryMetrics returns the engine lifetime counters.
func (s *Service) RecoveryMetrics() RecoveryMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery
}

// DeadLetters returns the dead letter listing, oldest first.
func (s *Service) DeadLetters() []*store.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlq.List()
}

// RetryDeadLetter removes a dead letter entry and re-enters its operation
// into the active queue as pending with cleared attempts and history.
func (s *Service) RetryDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	entry := s.dlq.Get(id)
	if entry == nil {
		s.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", id)
	}

	op := s.ops[id]
	if op == nil {
		op = entry.Operation.Clone()
		s.ops[op.ID] = op
	}
	op.Status = store.StatusPending
	op.Attempts = 0
	op.Error = ""
	op.ErrorCategory = ""
	op.LastAttemptAt = nil
	op.AttemptHistory = nil
	if err := s.persistLocked(op); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if err := s.dlq.Remove(id); err != nil {
		s.mu.Unlock()
		return err
	}
	s.indexPendingLocked(op)
	s.mu.Unlock()

	s.notifyListeners()
	go func() {
		if err := s.ProcessQueue(context.Background()); err != nil {
			slog.Error("dead letter replay processing", "error", err)
		}
	}()
	return nil
}

// ClearDeadLetters discards all dead letter entries.
func (s *Service) ClearDeadLetters() error {
	s.mu.Lock()
	err := s.dlq.Clear()
	s.mu.Unlock()
	s.notifyListeners()
	return err
}

// RetryFailed re-queues every failed operation with reset attempts,
// removing any matching dead letter entries.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	var requeued int
	for _, op := range s.ops {
		if op.Status != store.StatusFailed {
			continue
		}
		op.Status = store.StatusPending
		op.Attempts = 0
		op.Error = ""
		op.ErrorCategory = ""
		op.LastAttemptAt = nil
		op.AttemptHistory = nil
		if err := s.persistLocked(op); err != nil {
			s.mu.Unlock()
			return requeued, fmt.Errorf("requeue failed operation %s: %w", op.ID, err)
		}
		if err := s.dlq.Remove(op.ID); err != nil {
			s.mu.Unlock()
			return requeued, err
		}
		s.indexPendingLocked(op)
		requeued++
	}
	s.mu.Unlock()

	s.notifyListeners()
	if requeued > 0 {
		go func() {
			if err := s.ProcessQueue(context.Background()); err != nil {
				slog.Error("retry failed processing", "error", err)
			}
		}()
	}
	return requeued, nil
}

// ResetBreaker forces the circuit breaker closed.
func (s *Service) ResetBreaker() {
	s.mu.Lock()
	s.breaker.Reset()
	s.mu.Unlock()
	s.notifyListeners()
}

// ResetBudget clears the retry budget window.
func (s *Service) ResetBudget() {
	s.mu.Lock()
	s.budget.Reset()
	s.mu.Unlock()
	s.notifyListeners()
}

// OnStateChange registers a listener that receives a stats snapshot after
// every mutating operation.
func (s *Service) OnStateChange(fn func(Stats)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Service) notifyListeners() {
	s.listenerMu.Lock()
	listeners := make([]func(Stats), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	st := s.Stats()
	for _, fn := range listeners {
		fn(st)
	}
}

// CloseAndWait drains outstanding durable writes (bounded by
// Config.CloseTimeout), stops the retention sweep, and closes the
// coordinator. The durable store itself is owned and closed by the caller.
func (s *Service) CloseAndWait(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.initDone {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.online = false
	s.mu.Unlock()

	close(s.janitorStop)
	<-s.janitorDone

	err := s.waitForWrites(s.cfg.CloseTimeout)
	if cerr := s.coord.Close(); cerr != nil && err == nil {
		err = cerr
	}
	slog.Info("sync queue closed", "drained", err == nil)
	return err
}

// persistLocked durably writes op before the in-memory state is
// considered authoritative for recovery.
func (s *Service) persistLocked(op *store.Operation) error {
	s.beginWrite()
	defer s.endWrite()
	return s.store.PutOperation(op)
}

func (s *Service) deleteStoredLocked(id string) error {
	s.beginWrite()
	defer s.endWrite()
	return s.store.DeleteOperation(id)
}

func (s *Service) beginWrite() {
	s.writeMu.Lock()
	s.pendingWrites++
	s.writeMu.Unlock()
}

func (s *Service) endWrite() {
	s.writeMu.Lock()
	s.pendingWrites--
	if s.pendingWrites == 0 {
		s.writeCond.Broadcast()
	}
	s.writeMu.Unlock()
}

// waitForWrites blocks until the outstanding-writes counter reaches zero
// or the timeout elapses.
func (s *Service) waitForWrites(timeout time.Duration) error {
	deadline := time.AfterFunc(timeout, func() {
		s.writeMu.Lock()
		s.writeCond.Broadcast()
		s.writeMu.Unlock()
	})
	defer deadline.Stop()

	start := time.Now()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for s.pendingWrites > 0 {
		if time.Since(start) >= timeout {
			return fmt.Errorf("shutdown with %d storage writes still outstanding", s.pendingWrites)
		}
		s.writeCond.Wait()
	}
	return nil
}

// publish broadcasts a queue event to sibling processes. Best effort.
func (s *Service) publish(msgType string, op *store.Operation, errMsg string) {
	err := s.coord.Publish(Message{
		Type:        msgType,
		OperationID: op.ID,
		Table:       op.Table,
		RecordID:    op.RecordID,
		CreatedAt:   op.CreatedAt,
		Timestamp:   time.Now().UTC(),
		Error:       errMsg,
	})
	if err != nil {
		slog.Debug("coordinator publish", "type", msgType, "error", err)
	}
}

// handlePeerMessage applies a sibling process event to local state.
// Earliest-createdAt wins for duplicate pending work; in-flight operations
// are never touched.
func (s *Service) handlePeerMessage(msg Message) {
	s.mu.Lock()
	switch msg.Type {
	case MsgOperationEnqueued:
		k := dedupKey{msg.Table, msg.RecordID}
		id, ok := s.dedup[k]
		if !ok {
			break
		}
		op := s.ops[id]
		if op == nil || op.Status != store.StatusPending || op.ID == msg.OperationID {
			break
		}
		if op.CreatedAt.After(msg.CreatedAt) {
			// The peer enqueued first; drop the local duplicate.
			if err := s.deleteStoredLocked(op.ID); err != nil {
				slog.Error("drop duplicate operation", "id", op.ID, "error", err)
				break
			}
			delete(s.ops, op.ID)
			delete(s.dedup, k)
			slog.Debug("dropped duplicate operation", "id", op.ID, "peer", msg.OperationID)
		}
	case MsgOperationCompleted:
		op := s.ops[msg.OperationID]
		if op == nil || op.Status == store.StatusSyncing {
			break
		}
		if err := s.deleteStoredLocked(op.ID); err != nil {
			slog.Error("remove peer-completed operation", "id", op.ID, "error", err)
			break
		}
		delete(s.ops, op.ID)
		s.unindexLocked(op)
	case MsgOperationFailed:
		op := s.ops[msg.OperationID]
		if op == nil || op.Status != store.StatusPending {
			break
		}
		op.Status = store.StatusFailed
		op.Error = msg.Error
		if err := s.persistLocked(op); err != nil {
			slog.Error("mark peer-failed operation", "id", op.ID, "error", err)
			break
		}
		s.unindexLocked(op)
	}
	s.mu.Unlock()
	s.notifyListeners()
}
