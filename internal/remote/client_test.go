package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scrivanohq/scrivano/internal/remote"
	"github.com/scrivanohq/scrivano/internal/syncerr"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user_1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func staticToken(token string) remote.TokenProvider {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func newTestClient(t *testing.T, srv *httptest.Server) *remote.Client {
	t.Helper()
	return remote.NewClient(remote.ClientOptions{
		BaseURL:       srv.URL,
		TokenProvider: staticToken(signedToken(t, time.Now().Add(time.Hour))),
	})
}

func TestUpsertBatch(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		Records []remote.Record `json:"records"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(remote.BatchResult{Success: true, RecordsProcessed: len(gotBody.Records)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.UpsertBatch(context.Background(), "chapters", []remote.Record{
		{ID: "ch_1", Payload: json.RawMessage(`{"title":"One"}`)},
		{ID: "ch_2", Payload: json.RawMessage(`{"title":"Two"}`)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Success || res.RecordsProcessed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if gotPath != "/sync/v1/chapters/batch" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth == "" || gotAuth[:7] != "Bearer " {
		t.Errorf("authorization header = %q", gotAuth)
	}
	if len(gotBody.Records) != 2 || gotBody.Records[0].ID != "ch_1" {
		t.Errorf("request records = %+v", gotBody.Records)
	}
}

func TestDeleteBatch(t *testing.T) {
	var gotPath string
	var gotBody struct {
		IDs []string `json:"ids"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(remote.BatchResult{Success: true, RecordsProcessed: len(gotBody.IDs)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.DeleteBatch(context.Background(), "notes", []string{"n_1", "n_2"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotPath != "/sync/v1/notes/batch/delete" {
		t.Errorf("path = %s", gotPath)
	}
	if len(gotBody.IDs) != 2 {
		t.Errorf("request ids = %+v", gotBody.IDs)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status   int
		category syncerr.Category
	}{
		{http.StatusUnauthorized, syncerr.CategoryAuthentication},
		{http.StatusForbidden, syncerr.CategoryPermission},
		{http.StatusNotFound, syncerr.CategoryOrphanedRecord},
		{http.StatusConflict, syncerr.CategoryOrphanedRecord},
		{http.StatusUnprocessableEntity, syncerr.CategoryValidation},
		{http.StatusTooManyRequests, syncerr.CategoryNetwork},
		{http.StatusBadGateway, syncerr.CategoryNetwork},
		{http.StatusTeapot, syncerr.CategoryUnknown},
	}
	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
		}))
		c := newTestClient(t, srv)
		_, err := c.UpsertBatch(context.Background(), "notes", []remote.Record{{ID: "n_1"}})
		srv.Close()
		if err == nil {
			t.Errorf("status %d: expected error", tc.status)
			continue
		}
		if cat, ok := syncerr.CategoryOf(err); !ok || cat != tc.category {
			t.Errorf("status %d: category = %v, want %v", tc.status, cat, tc.category)
		}
	}
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, srv)
	_, err := c.UpsertBatch(context.Background(), "notes", []remote.Record{{ID: "n_1"}})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if cat, ok := syncerr.CategoryOf(err); !ok || cat != syncerr.CategoryNetwork {
		t.Fatalf("category = %v, want network", cat)
	}
}

func TestExpiredTokenFailsFast(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := remote.NewClient(remote.ClientOptions{
		BaseURL:       srv.URL,
		TokenProvider: staticToken(signedToken(t, time.Now().Add(-time.Hour))),
	})
	_, err := c.UpsertBatch(context.Background(), "notes", []remote.Record{{ID: "n_1"}})
	if err == nil {
		t.Fatal("expired token should fail")
	}
	if cat, ok := syncerr.CategoryOf(err); !ok || cat != syncerr.CategoryAuthentication {
		t.Fatalf("category = %v, want authentication", cat)
	}
	if called {
		t.Fatal("expired token must never reach the wire")
	}
}

func TestMissingTokenProvider(t *testing.T) {
	c := remote.NewClient(remote.ClientOptions{BaseURL: "http://127.0.0.1:0"})
	_, err := c.UpsertBatch(context.Background(), "notes", []remote.Record{{ID: "n_1"}})
	if cat, ok := syncerr.CategoryOf(err); !ok || cat != syncerr.CategoryAuthentication {
		t.Fatalf("category = %v, want authentication", cat)
	}
}

func TestTransformAppliedToUpserts(t *testing.T) {
	var gotBody struct {
		Records []remote.Record `json:"records"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(remote.BatchResult{Success: true})
	}))
	defer srv.Close()

	c := remote.NewClient(remote.ClientOptions{
		BaseURL:       srv.URL,
		TokenProvider: staticToken(signedToken(t, time.Now().Add(time.Hour))),
		Transform: func(table string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"sealed":true}`), nil
		},
	})
	if _, err := c.UpsertBatch(context.Background(), "notes", []remote.Record{
		{ID: "n_1", Payload: json.RawMessage(`{"secret":"draft"}`)},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(gotBody.Records) != 1 || string(gotBody.Records[0].Payload) != `{"sealed":true}` {
		t.Fatalf("transformed records = %+v", gotBody.Records)
	}
}
