package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trading-systemv1/internal/journal"
)

type fakeTradesReader struct {
	records []journal.Record
	err     error
}

func (f *fakeTradesReader) Recent(limit int) ([]journal.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func TestRouter_TradesRecent_ReturnsJSON(t *testing.T) {
	reader := &fakeTradesReader{records: []journal.Record{
		{CandidateID: "c1", Mode: "paper", ExecutedAt: time.Now()},
		{CandidateID: "c2", Mode: "live", ExecutedAt: time.Now()},
	}}
	mux := NewRouter(reader, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades/recent", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

func TestRouter_TradesRecent_RespectsLimitParam(t *testing.T) {
	reader := &fakeTradesReader{records: []journal.Record{
		{CandidateID: "c1"}, {CandidateID: "c2"}, {CandidateID: "c3"},
	}}
	mux := NewRouter(reader, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades/recent?limit=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record with limit=1, got %d", len(got))
	}
}

func TestRouter_TradesRecent_ErrorPropagates(t *testing.T) {
	reader := &fakeTradesReader{err: errTest}
	mux := NewRouter(reader, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades/recent", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_Health_Delegates(t *testing.T) {
	called := false
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	mux := NewRouter(&fakeTradesReader{}, health)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected health handler to be invoked")
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
