// Package scanner drives one scan cycle across a set of selected
// expiries, sequentially with an inter-expiry delay by default or in
// parallel on the shared worker pool, and returns the globally ranked
// survivors.
package scanner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-systemv1/internal/model"
	"trading-systemv1/internal/workerpool"
)

// ExpiryProvider yields the next expiries to scan for (underlying,
// exchange), already filtered and ordered per Component E.
type ExpiryProvider interface {
	NextExpiries(ctx context.Context, underlying, exchange string, maxCount int) ([]time.Time, error)
}

// Evaluator evaluates a single expiry and returns its survivors.
type Evaluator interface {
	Evaluate(ctx context.Context, underlying, exchange string, expiry time.Time) ([]*model.Candidate, error)
}

// Config tunes one Scanner's cycle behavior.
type Config struct {
	Underlying             string
	Exchange               string
	MaxExpiries            int
	ProcessInParallel      bool
	DelayBetweenExpiriesMs int
}

// DefaultConfig mirrors the original's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxExpiries:            3,
		ProcessInParallel:      false,
		DelayBetweenExpiriesMs: 1000,
	}
}

// Scanner runs scan cycles. Stop() is cooperative: a cycle already in
// flight finishes its current expiry before observing the signal.
type Scanner struct {
	expiries  ExpiryProvider
	evaluator Evaluator
	pool      *workerpool.Pool
	cfg       Config

	stopped atomic.Bool
}

// New builds a Scanner sharing pool with the rest of the pipeline.
func New(expiries ExpiryProvider, evaluator Evaluator, pool *workerpool.Pool, cfg Config) *Scanner {
	return &Scanner{expiries: expiries, evaluator: evaluator, pool: pool, cfg: cfg}
}

// Stop requests that the current or next cycle exit early. Safe to
// call from another goroutine.
func (s *Scanner) Stop() {
	s.stopped.Store(true)
}

// Result is the outcome of one scan cycle.
type Result struct {
	Candidates []*model.Candidate
	Count      int
}

// RunCycle obtains the next expiries, evaluates each (sequentially
// with a delay, or in parallel on the pool), concatenates and
// globally ranks the survivors, and returns them with a summary count.
// A single expiry's evaluation error is logged and contributes no
// candidates; it does not abort the cycle.
func (s *Scanner) RunCycle(ctx context.Context) (Result, error) {
	expiries, err := s.expiries.NextExpiries(ctx, s.cfg.Underlying, s.cfg.Exchange, s.cfg.MaxExpiries)
	if err != nil {
		return Result{}, err
	}
	slog.Info("scanner: cycle starting", "underlying", s.cfg.Underlying, "exchange", s.cfg.Exchange, "expiries", len(expiries))

	var all []*model.Candidate
	if s.cfg.ProcessInParallel {
		all = s.runParallel(ctx, expiries)
	} else {
		all = s.runSequential(ctx, expiries)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Metrics.ProfitabilityScore != all[j].Metrics.ProfitabilityScore {
			return all[i].Metrics.ProfitabilityScore > all[j].Metrics.ProfitabilityScore
		}
		return all[i].ID < all[j].ID
	})

	slog.Info("scanner: cycle complete", "candidates", len(all))
	return Result{Candidates: all, Count: len(all)}, nil
}

func (s *Scanner) runSequential(ctx context.Context, expiries []time.Time) []*model.Candidate {
	var all []*model.Candidate
	for i, expiry := range expiries {
		if s.stopped.Load() {
			slog.Info("scanner: stop requested, ending cycle early")
			break
		}

		spreads, err := s.evaluator.Evaluate(ctx, s.cfg.Underlying, s.cfg.Exchange, expiry)
		if err != nil {
			slog.Warn("scanner: expiry evaluation failed, skipping", "expiry", expiry, "err", err)
			spreads = nil
		}
		all = append(all, spreads...)

		if i < len(expiries)-1 && s.cfg.DelayBetweenExpiriesMs > 0 {
			select {
			case <-ctx.Done():
				return all
			case <-time.After(time.Duration(s.cfg.DelayBetweenExpiriesMs) * time.Millisecond):
			}
		}
	}
	return all
}

func (s *Scanner) runParallel(ctx context.Context, expiries []time.Time) []*model.Candidate {
	var mu sync.Mutex
	var all []*model.Candidate
	var handles []*workerpool.Handle

	for _, expiry := range expiries {
		expiry := expiry
		h, err := s.pool.Submit(func() (any, error) {
			if s.stopped.Load() {
				return nil, nil
			}
			spreads, err := s.evaluator.Evaluate(ctx, s.cfg.Underlying, s.cfg.Exchange, expiry)
			if err != nil {
				slog.Warn("scanner: expiry evaluation failed, skipping", "expiry", expiry, "err", err)
				return nil, nil
			}
			mu.Lock()
			all = append(all, spreads...)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			slog.Warn("scanner: failed to submit expiry evaluation", "expiry", expiry, "err", err)
			continue
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}
	return all
}
