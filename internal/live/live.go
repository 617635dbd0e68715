// Package live routes ranked box-spread candidates to the broker's
// order-placement endpoint — the "live broker" side of the scanner's
// route-or-simulate choice (strategy/paper_trading = false).
package live

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-systemv1/internal/model"
)

// OrderPlacer is the broker collaborator a live run routes orders to.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, params map[string]any) (string, error)
}

// Journal persists an executed candidate for later review.
type Journal interface {
	RecordExecution(c *model.Candidate, mode string, executedAt time.Time) error
}

// Result is the outcome of placing one candidate's four legs.
type Result struct {
	CandidateID string
	Status      string // PLACED or ERROR
	Message     string
	Candidate   *model.Candidate
}

// Executor places the four legs of a box spread through the broker.
// A candidate is only journaled as executed once every leg places
// successfully; a partial failure is reported and left unjournaled so
// the operator can reconcile the position by hand.
type Executor struct {
	broker   OrderPlacer
	journal  Journal
	resultCh chan Result
	quantity int64

	mu sync.Mutex
}

// NewExecutor creates a live order executor. quantity is the lot
// quantity applied to every leg of every box.
func NewExecutor(broker OrderPlacer, journal Journal, quantity int64, resultBufferSize int) *Executor {
	return &Executor{
		broker:   broker,
		journal:  journal,
		resultCh: make(chan Result, resultBufferSize),
		quantity: quantity,
	}
}

// Results returns the channel of per-candidate placement outcomes.
func (e *Executor) Results() <-chan Result {
	return e.resultCh
}

// Run consumes ranked candidates and places each until ctx is
// cancelled or candidateCh is closed.
func (e *Executor) Run(ctx context.Context, candidateCh <-chan *model.Candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candidateCh:
			if !ok {
				return
			}
			e.execute(ctx, c)
		}
	}
}

type leg struct {
	inst model.Instrument
	side string // BUY, SELL
}

func (e *Executor) legs(c *model.Candidate) []leg {
	return []leg{
		{c.LongCallLower, "BUY"},
		{c.ShortCallHigher, "SELL"},
		{c.LongPutHigher, "BUY"},
		{c.ShortPutLower, "SELL"},
	}
}

func (e *Executor) execute(ctx context.Context, c *model.Candidate) {
	var orderIDs []string
	for _, l := range e.legs(c) {
		params := map[string]any{
			"variety":         "NORMAL",
			"tradingsymbol":   l.inst.Symbol,
			"symboltoken":     fmt.Sprintf("%d", l.inst.Token),
			"transactiontype": l.side,
			"exchange":        l.inst.Exchange,
			"ordertype":       "MARKET",
			"producttype":     "CARRYFORWARD",
			"duration":        "DAY",
			"quantity":        fmt.Sprintf("%d", e.quantity),
		}

		oid, err := e.broker.PlaceOrder(ctx, params)
		if err != nil {
			log.Printf("[live] leg placement failed for %s (%s %s): %v", c.ID, l.side, l.inst.Symbol, err)
			e.resultCh <- Result{
				CandidateID: c.ID,
				Status:      "ERROR",
				Message:     fmt.Sprintf("leg %s %s failed: %v (placed legs: %v)", l.side, l.inst.Symbol, err, orderIDs),
				Candidate:   c,
			}
			return
		}
		orderIDs = append(orderIDs, oid)
	}

	c.Executed = true
	executedAt := time.Now()
	if e.journal != nil {
		if err := e.journal.RecordExecution(c, "live", executedAt); err != nil {
			log.Printf("[live] journal write failed for %s: %v", c.ID, err)
		}
	}

	log.Printf("[live] placed box %s legs=%v", c.ID, orderIDs)
	e.resultCh <- Result{
		CandidateID: c.ID,
		Status:      "PLACED",
		Message:     fmt.Sprintf("orders placed: %v", orderIDs),
		Candidate:   c,
	}
}
