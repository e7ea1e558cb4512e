package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scrivanohq/scrivano/internal/queue"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	id, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		var serr *syncerr.Error
		if errors.As(err, &serr) && serr.Category == syncerr.CategoryValidation {
			writeError(w, http.StatusBadRequest, serr.Error(), "VALIDATION_FAILED")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "ENQUEUE_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ProcessQueue(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "PROCESS_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	s.svc.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := s.svc.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.RetryDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "DEAD_LETTER_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "requeued"})
}

func (s *Server) handleClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearDeadLetters(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "CLEAR_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "RETRY_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.svc.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleResetBudget(w http.ResponseWriter, r *http.Request) {
	s.svc.ResetBudget()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
