package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/scrivanohq/scrivano/internal/store"
)

// runJanitor periodically purges failed operations older than the
// retention window. Dead letter entries are exempt; they live until
// replayed or cleared.
func (s *Service) runJanitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			if n, err := s.sweepExpired(time.Now().UTC()); err != nil {
				slog.Error("retention sweep", "error", err)
			} else if n > 0 {
				slog.Info("retention sweep removed expired operations", "count", n)
			}
		}
	}
}

// sweepExpired removes failed operations whose last attempt predates the
// retention window.
func (s *Service) sweepExpired(now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.RetentionWindow)

	s.mu.Lock()
	var removed int
	for id, op := range s.ops {
		if op.Status != store.StatusFailed {
			continue
		}
		ref := op.CreatedAt
		if op.LastAttemptAt != nil {
			ref = *op.LastAttemptAt
		}
		if ref.After(cutoff) {
			continue
		}
		if err := s.deleteStoredLocked(id); err != nil {
			s.mu.Unlock()
			return removed, err
		}
		delete(s.ops, id)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notifyListeners()
	}
	return removed, nil
}

// RemoveOrphanedOperations drops queued operations whose scope no longer
// exists locally, as reported by exists. Used after a project is deleted
// so stale edits do not generate orphaned-record churn against the remote.
func (s *Service) RemoveOrphanedOperations(ctx context.Context, exists func(scopeID string) bool) (int, error) {
	s.mu.Lock()
	var removed int
	for id, op := range s.ops {
		if op.Status == store.StatusSyncing {
			continue
		}
		if exists(op.ScopeID) {
			continue
		}
		if err := s.deleteStoredLocked(id); err != nil {
			s.mu.Unlock()
			return removed, err
		}
		delete(s.ops, id)
		s.unindexLocked(op)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		slog.Info("removed orphaned operations", "count", removed)
		s.notifyListeners()
	}
	return removed, nil
}
