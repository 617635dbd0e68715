// Package paper simulates execution of ranked box-spread candidates
// without placing real broker orders — used when strategy/paper_trading
// is enabled.
package paper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-systemv1/internal/model"
)

// Journal persists an executed candidate for later review.
type Journal interface {
	RecordExecution(c *model.Candidate, mode string, executedAt time.Time) error
}

// Fill is a simulated box-spread execution.
type Fill struct {
	OrderID   string
	Candidate *model.Candidate
	FilledAt  time.Time
	Slippage  float64 // simulated slippage added on top of the candidate's quoted slippage
}

// Result is the outcome of a simulated placement.
type Result struct {
	OrderID   string
	Status    string // FILLED
	Message   string
	Candidate *model.Candidate
}

// Executor simulates fills for candidates fed to it, applying a
// configurable basis-point slippage on top of the candidate's already
// quoted slippage estimate.
type Executor struct {
	mu       sync.RWMutex
	fills    []Fill
	resultCh chan Result
	journal  Journal
	orderSeq int64

	slippageBps int64
}

// NewExecutor creates a paper trading executor. slippageBps controls
// additional simulated slippage in basis points of theoretical value.
func NewExecutor(resultBufferSize int, slippageBps int64, journal Journal) *Executor {
	return &Executor{
		fills:       make([]Fill, 0, 64),
		resultCh:    make(chan Result, resultBufferSize),
		journal:     journal,
		slippageBps: slippageBps,
	}
}

// Results returns the channel of simulated fill results.
func (p *Executor) Results() <-chan Result {
	return p.resultCh
}

// Fills returns a snapshot of every fill simulated so far.
func (p *Executor) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Run consumes ranked candidates and simulates a fill for each until
// ctx is cancelled or candidateCh is closed.
func (p *Executor) Run(ctx context.Context, candidateCh <-chan *model.Candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candidateCh:
			if !ok {
				return
			}
			p.execute(c)
		}
	}
}

func (p *Executor) execute(c *model.Candidate) {
	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)

	slippage := 0.0
	if p.slippageBps > 0 {
		slippage = c.TheoreticalValue() * float64(p.slippageBps) / 10000
	}
	c.Metrics.Slippage += slippage
	c.Executed = true

	fill := Fill{
		OrderID:   orderID,
		Candidate: c,
		FilledAt:  time.Now(),
		Slippage:  slippage,
	}
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	log.Printf("[paper] filled %s %s/%s strikes=%.2f/%.2f roi=%.4f slip=%.2f order=%s",
		c.Underlying, c.Exchange, c.Expiry.Format("2006-01-02"),
		c.LowerStrike, c.HigherStrike, c.Metrics.ROI, slippage, orderID)

	if p.journal != nil {
		if err := p.journal.RecordExecution(c, "paper", fill.FilledAt); err != nil {
			log.Printf("[paper] journal write failed for %s: %v", orderID, err)
		}
	}

	p.resultCh <- Result{
		OrderID:   orderID,
		Status:    "FILLED",
		Message:   fmt.Sprintf("paper filled with %.2f simulated slippage", slippage),
		Candidate: c,
	}
}
