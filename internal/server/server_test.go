package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scrivanohq/scrivano/internal/queue"
	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/server"
	"github.com/scrivanohq/scrivano/internal/store"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

type stubRemote struct {
	mu  sync.Mutex
	err error
}

func (s *stubRemote) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubRemote) UpsertBatch(ctx context.Context, table string, records []remote.Record) (*remote.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &remote.BatchResult{Success: true, RecordsProcessed: len(records)}, nil
}

func (s *stubRemote) DeleteBatch(ctx context.Context, table string, ids []string) (*remote.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &remote.BatchResult{Success: true, RecordsProcessed: len(ids)}, nil
}

func newTestServer(t *testing.T, rm remote.Store) (*server.Server, *queue.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir(), "sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := queue.DefaultConfig()
	cfg.InitialDelay = time.Nanosecond
	svc := queue.New(st, rm, cfg)
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init service: %v", err)
	}
	t.Cleanup(func() { svc.CloseAndWait(context.Background()) })

	return server.New(svc, "127.0.0.1:0"), svc
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitDrained(t *testing.T, svc *queue.Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Stats().Total == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func TestHandleEnqueue(t *testing.T) {
	srv, svc := newTestServer(t, &stubRemote{})
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/operations",
		`{"type":"upsert","table":"chapters","record_id":"ch_1","scope_id":"proj_0001","payload":{"title":"One"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp["id"], "op_") {
		t.Fatalf("id = %q", resp["id"])
	}
	waitDrained(t, svc)
}

func TestHandleEnqueueValidationError(t *testing.T) {
	srv, _ := newTestServer(t, &stubRemote{})
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/operations",
		`{"type":"upsert","table":"recipes","record_id":"r_1","scope_id":"proj_0001"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "VALIDATION_FAILED") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/operations", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestHandleStatsAndHealth(t *testing.T) {
	srv, svc := newTestServer(t, &stubRemote{})
	svc.SetOnline(false)
	doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/operations",
		`{"type":"upsert","table":"notes","record_id":"n_1","scope_id":"proj_0001","payload":{}}`)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var st queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Pending != 1 || st.Total != 1 {
		t.Fatalf("stats = %+v", st)
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var h queue.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Online || h.BreakerState != queue.BreakerClosed {
		t.Fatalf("health = %+v", h)
	}
}

func TestHandleDeadLetterLifecycle(t *testing.T) {
	rm := &stubRemote{}
	rm.failWith(syncerr.New(syncerr.CategoryPermission, "permission denied"))
	srv, svc := newTestServer(t, rm)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/operations",
		`{"type":"upsert","table":"notes","record_id":"n_1","scope_id":"proj_0001","payload":{}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d", rec.Code)
	}
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(svc.DeadLetters()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/deadletters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Count   int                      `json:"count"`
		Entries []*store.DeadLetterEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 1 || len(listing.Entries) != 1 {
		t.Fatalf("listing = %+v", listing)
	}

	rm.failWith(nil)
	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/deadletters/"+created["id"]+"/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", rec.Code, rec.Body.String())
	}
	waitDrained(t, svc)

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/deadletters/op_missing/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("retry missing status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv.Handler(), http.MethodDelete, "/api/v1/deadletters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
}

func TestHandleAdminResets(t *testing.T) {
	srv, _ := newTestServer(t, &stubRemote{})
	for _, path := range []string{"/api/v1/breaker/reset", "/api/v1/budget/reset", "/api/v1/retry-failed"} {
		rec := doRequest(t, srv.Handler(), http.MethodPost, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestHandleSetOnline(t *testing.T) {
	srv, svc := newTestServer(t, &stubRemote{})
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/online", `{"online":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.Health().Online {
		t.Fatal("service should be offline")
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubRemote{})
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
