package scanmetrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthStatus_ServeHTTP_HealthyWhenAuthedAndNoError(t *testing.T) {
	h := NewHealthStatus()
	h.SetBrokerAuthed(true)
	h.SetInstrumentsFresh(true)
	h.RecordCycle(3, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", body["status"])
	}
	if body["last_candidate_count"].(float64) != 3 {
		t.Fatalf("expected candidate count 3, got %v", body["last_candidate_count"])
	}
}

func TestHealthStatus_ServeHTTP_DegradedWhenNotAuthed(t *testing.T) {
	h := NewHealthStatus()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthStatus_ServeHTTP_DegradedOnCycleError(t *testing.T) {
	h := NewHealthStatus()
	h.SetBrokerAuthed(true)
	h.RecordCycle(0, errors.New("quote fetch timed out"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["last_cycle_err"] != "quote fetch timed out" {
		t.Fatalf("expected last cycle error surfaced, got %v", body["last_cycle_err"])
	}
}

func TestHealthStatus_RecordCycle_ClearsPriorError(t *testing.T) {
	h := NewHealthStatus()
	h.RecordCycle(0, errors.New("boom"))
	h.RecordCycle(2, nil)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.LastCycleErr != "" {
		t.Fatalf("expected error cleared after a successful cycle, got %q", h.LastCycleErr)
	}
	if h.LastCandidateCount != 2 {
		t.Fatalf("expected candidate count updated to 2, got %d", h.LastCandidateCount)
	}
}
