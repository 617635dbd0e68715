package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-systemv1/internal/model"
)

var testExpiry = time.Date(2025, time.June, 26, 0, 0, 0, 0, time.UTC)

func sampleCandidate(id string) *model.Candidate {
	return &model.Candidate{
		ID:           id,
		Underlying:   "NIFTY",
		Exchange:     "NFO",
		LowerStrike:  20000,
		HigherStrike: 20200,
		Expiry:       testExpiry,
		Metrics: model.CandidateMetrics{
			ROI:      0.6,
			Slippage: 1.5,
		},
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	records []string
}

func (j *fakeJournal) RecordExecution(c *model.Candidate, mode string, executedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, mode+":"+c.ID)
	return nil
}

func TestExecute_MarksCandidateExecutedAndAddsSlippage(t *testing.T) {
	j := &fakeJournal{}
	e := NewExecutor(4, 10, j) // 10 bps

	c := sampleCandidate("c1")
	baseSlippage := c.Metrics.Slippage
	e.execute(c)

	if !c.Executed {
		t.Fatal("expected candidate marked executed")
	}
	wantAdded := c.TheoreticalValue() * 10 / 10000
	if c.Metrics.Slippage != baseSlippage+wantAdded {
		t.Fatalf("expected slippage %v, got %v", baseSlippage+wantAdded, c.Metrics.Slippage)
	}
}

func TestExecute_RecordsToJournalAndEmitsResult(t *testing.T) {
	j := &fakeJournal{}
	e := NewExecutor(4, 0, j)

	c := sampleCandidate("c1")
	e.execute(c)

	select {
	case res := <-e.Results():
		if res.Status != "FILLED" || res.Candidate.ID != "c1" {
			t.Fatalf("unexpected result: %+v", res)
		}
	default:
		t.Fatal("expected a result on the channel")
	}

	if len(j.records) != 1 || j.records[0] != "paper:c1" {
		t.Fatalf("expected journal record paper:c1, got %v", j.records)
	}
}

func TestRun_ConsumesCandidateChannelUntilClosed(t *testing.T) {
	e := NewExecutor(8, 0, nil)
	ch := make(chan *model.Candidate, 2)
	ch <- sampleCandidate("c1")
	ch <- sampleCandidate("c2")
	close(ch)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel closed")
	}

	if len(e.Fills()) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(e.Fills()))
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	e := NewExecutor(1, 0, nil)
	ch := make(chan *model.Candidate)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx, ch)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestFills_ReturnsIndependentSnapshot(t *testing.T) {
	e := NewExecutor(4, 0, nil)
	e.execute(sampleCandidate("c1"))

	snap := e.Fills()
	snap[0].OrderID = "mutated"

	if e.Fills()[0].OrderID == "mutated" {
		t.Fatal("expected Fills() to return a copy, not shared state")
	}
}
