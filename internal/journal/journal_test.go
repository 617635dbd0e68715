package journal

import (
	"path/filepath"
	"testing"
	"time"

	"trading-systemv1/internal/model"
)

var testExpiry = time.Date(2025, time.June, 26, 0, 0, 0, 0, time.UTC)

func sampleCandidate(id string, roi float64) *model.Candidate {
	return &model.Candidate{
		ID:           id,
		Underlying:   "NIFTY",
		Exchange:     "NFO",
		LowerStrike:  20000,
		HigherStrike: 20200,
		Expiry:       testExpiry,
		Metrics: model.CandidateMetrics{
			NetPremium:         50,
			TheoreticalValue:   200,
			ROI:                roi,
			ProfitabilityScore: 12.5,
			Fees:               3.2,
			Slippage:           1.1,
			Margin:             1000,
		},
	}
}

func TestNew_WritesHeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	j1, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := j1.RecordExecution(sampleCandidate("c1", 0.5), "paper", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	j1.Close()

	j2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j2.RecordExecution(sampleCandidate("c2", 0.6), "live", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	j2.Close()

	j3, _ := New(path)
	defer j3.Close()
	recs, err := j3.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records across reopens, got %d", len(recs))
	}
}

func TestRecordExecution_RoundTripsFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer j.Close()

	when := time.Date(2025, time.June, 20, 9, 15, 0, 0, time.UTC)
	if err := j.RecordExecution(sampleCandidate("c1", 0.42), "paper", when); err != nil {
		t.Fatalf("record: %v", err)
	}

	recs, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0]
	if got.CandidateID != "c1" || got.Mode != "paper" || got.Underlying != "NIFTY" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.ROI != 0.42 {
		t.Fatalf("expected ROI 0.42, got %v", got.ROI)
	}
	if !got.ExecutedAt.Equal(when) {
		t.Fatalf("expected executed_at %v, got %v", when, got.ExecutedAt)
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer j.Close()

	base := time.Date(2025, time.June, 20, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		if err := j.RecordExecution(sampleCandidate(id, 0.1), "paper", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	recs, err := j.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records (limit), got %d", len(recs))
	}
	if recs[0].CandidateID != "c3" || recs[1].CandidateID != "c2" {
		t.Fatalf("expected newest-first order c3,c2, got %s,%s", recs[0].CandidateID, recs[1].CandidateID)
	}
}

func TestRecent_EmptyJournalReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer j.Close()

	recs, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if recs != nil {
		t.Fatalf("expected nil for empty journal, got %v", recs)
	}
}
