// Package server exposes the local admin surface of the sync engine:
// enqueue and queue management endpoints plus a live event stream,
// intended for same-machine clients only.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scrivanohq/scrivano/internal/queue"
)

// Server is the admin HTTP server over a queue Service.
type Server struct {
	svc        *queue.Service
	httpServer *http.Server
	router     chi.Router

	subMu sync.Mutex
	subs  map[chan queue.Stats]struct{}
}

// New creates a Server bound to addr. The service's state changes feed the
// event stream.
func New(svc *queue.Service, bindAddr string) *Server {
	srv := &Server{
		svc:  svc,
		subs: make(map[chan queue.Stats]struct{}),
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	svc.OnStateChange(srv.broadcast)
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/operations", s.handleEnqueue)
		r.Post("/process", s.handleProcess)
		r.Post("/online", s.handleSetOnline)

		r.Get("/stats", s.handleStats)
		r.Get("/health", s.handleHealth)

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/retry", s.handleRetryDeadLetter)
		r.Delete("/deadletters", s.handleClearDeadLetters)

		r.Post("/retry-failed", s.handleRetryFailed)
		r.Post("/breaker/reset", s.handleResetBreaker)
		r.Post("/budget/reset", s.handleResetBudget)

		r.Get("/events", s.handleSSE)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) broadcast(st queue.Stats) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default: // slow consumer, drop the snapshot
		}
	}
}

func (s *Server) subscribe() chan queue.Stats {
	ch := make(chan queue.Stats, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan queue.Stats) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
