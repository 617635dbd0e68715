// Package evaluator enumerates admissible strike pairs for an
// (underlying, exchange, expiry), fans out leg resolution and quote
// retrieval across the worker pool, prices and risk-assesses every
// resulting box spread candidate, and returns the survivors ranked by
// profitability.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trading-systemv1/internal/boxpricing"
	"trading-systemv1/internal/model"
	"trading-systemv1/internal/risk"
	"trading-systemv1/internal/workerpool"
)

// InstrumentSource supplies the option universe for a single exchange.
type InstrumentSource interface {
	ByExchange(ctx context.Context, exchange string) ([]model.Instrument, error)
}

// QuoteFetcher resolves a set of tokens to their live snapshots.
type QuoteFetcher interface {
	Quotes(ctx context.Context, tokens []int64) (map[int64]model.Instrument, error)
}

// SpotProvider yields the current spot price for underlying on
// exchange, used to bound the strike set to a spot-relative band. A
// failed lookup is not fatal — the band is simply left unbounded.
type SpotProvider interface {
	Spot(ctx context.Context, underlying, exchange string) (float64, error)
}

// Config tunes the evaluator's enumeration and filtering behavior.
type Config struct {
	SpotBandPct   float64 // default 5: strikes within spot*(1±pct/100)
	MinStrikeDiff float64
	MaxStrikeDiff float64
	Quantity      int64

	MinROI       float64
	MinProfit    float64
	MaxSlippage  float64
	ShardCount   int // outer-index sharding factor for pair enumeration

	// Capital, when positive, switches sizing from the fixed Quantity
	// above to risk.MaxQuantity's capital-based sizing, and gates
	// survivors on risk.MeetsCriteria's loss-as-percent-of-capital
	// check in addition to the ROI/profit/slippage filters below. Zero
	// disables both and Quantity is used as-is.
	Capital float64
}

// DefaultConfig mirrors the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SpotBandPct:   5,
		MinStrikeDiff: 100,
		MaxStrikeDiff: 1000,
		Quantity:      1,
		MinROI:        0.5,
		MinProfit:     0,
		MaxSlippage:   1e18, // effectively unbounded unless overridden
		ShardCount:    4,
	}
}

type legPair struct {
	call model.Instrument
	put  model.Instrument
}

// Evaluator holds the collaborators and caches needed to evaluate one
// (underlying, exchange, expiry) at a time.
type Evaluator struct {
	store    InstrumentSource
	quotes   QuoteFetcher
	spot     SpotProvider
	pool     *workerpool.Pool
	feeRates boxpricing.FeeRates
	risk     risk.Rates
	cfg      Config

	mu             sync.Mutex
	strikeSetCache map[string][]float64
	legPairCache   map[string]map[float64]legPair
}

// New builds an Evaluator. pool is shared with the rest of the
// scanner — the evaluator only submits tasks to it, never owns it.
func New(store InstrumentSource, quotes QuoteFetcher, spot SpotProvider, pool *workerpool.Pool, feeRates boxpricing.FeeRates, riskRates risk.Rates, cfg Config) *Evaluator {
	return &Evaluator{
		store:          store,
		quotes:         quotes,
		spot:           spot,
		pool:           pool,
		feeRates:       feeRates,
		risk:           riskRates,
		cfg:            cfg,
		strikeSetCache: map[string][]float64{},
		legPairCache:   map[string]map[float64]legPair{},
	}
}

// ClearCache wipes the enumerated-strike-set and resolved-leg-pair
// caches. The spec only invalidates these explicitly.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strikeSetCache = map[string][]float64{}
	e.legPairCache = map[string]map[float64]legPair{}
}

// Evaluate runs one full pass for (underlying, exchange, expiry) and
// returns survivors ranked by profitability descending.
func (e *Evaluator) Evaluate(ctx context.Context, underlying, exchange string, expiry time.Time) ([]*model.Candidate, error) {
	strikes, err := e.strikeSet(ctx, underlying, exchange, expiry)
	if err != nil {
		return nil, fmt.Errorf("evaluator: strike set: %w", err)
	}
	if len(strikes) < 2 {
		return nil, nil
	}

	pairs := enumeratePairsSharded(strikes, e.cfg.MinStrikeDiff, e.cfg.MaxStrikeDiff, e.cfg.ShardCount, e.pool)
	if len(pairs) == 0 {
		return nil, nil
	}

	legs, err := e.resolveLegs(ctx, underlying, exchange, expiry, strikes)
	if err != nil {
		return nil, fmt.Errorf("evaluator: resolve legs: %w", err)
	}

	tokens := unionLegTokens(legs, pairs)
	quoteMap, err := e.quotes.Quotes(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("evaluator: fetch quotes: %w", err)
	}

	candidates := e.buildCandidates(underlying, exchange, expiry, pairs, legs, quoteMap)
	survivors := e.evaluateSharded(ctx, candidates)

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].Metrics.ProfitabilityScore > survivors[j].Metrics.ProfitabilityScore
	})
	return survivors, nil
}

// strikeSet returns the cached strike set for (underlying, exchange,
// expiry), or computes and caches it: every distinct option strike on
// the exchange for that underlying/expiry, bounded to a spot-relative
// band when a spot price is available.
func (e *Evaluator) strikeSet(ctx context.Context, underlying, exchange string, expiry time.Time) ([]float64, error) {
	key := strikeSetKey(underlying, exchange, expiry)

	e.mu.Lock()
	if cached, ok := e.strikeSetCache[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	universe, err := e.store.ByExchange(ctx, exchange)
	if err != nil {
		return nil, err
	}

	var lowBand, highBand float64
	bounded := false
	if spotPrice, err := e.spot.Spot(ctx, underlying, exchange); err == nil && spotPrice > 0 {
		r := e.cfg.SpotBandPct / 100
		lowBand = spotPrice * (1 - r)
		highBand = spotPrice * (1 + r)
		bounded = true
	}

	seen := map[float64]bool{}
	var strikes []float64
	for _, inst := range universe {
		if !inst.IsOption() || !matchesUnderlying(inst, underlying) || !inst.Expiry().Equal(expiry) {
			continue
		}
		strike := inst.Strike()
		if bounded && (strike < lowBand || strike > highBand) {
			continue
		}
		if !seen[strike] {
			seen[strike] = true
			strikes = append(strikes, strike)
		}
	}
	sort.Float64s(strikes)

	e.mu.Lock()
	e.strikeSetCache[key] = strikes
	e.mu.Unlock()
	return strikes, nil
}

func matchesUnderlying(inst model.Instrument, underlying string) bool {
	if inst.Option != nil && strings.EqualFold(inst.Option.Underlying, underlying) {
		return true
	}
	return len(inst.Symbol) >= len(underlying) && strings.EqualFold(inst.Symbol[:len(underlying)], underlying)
}

type strikePair struct {
	lower, higher float64
}

// enumeratePairsSharded enumerates admissible (lo, hi) pairs, sharding
// the outer loop across workers by index modulo shard count.
func enumeratePairsSharded(strikes []float64, minDiff, maxDiff float64, shardCount int, pool *workerpool.Pool) []strikePair {
	if shardCount < 1 {
		shardCount = 1
	}
	var mu sync.Mutex
	var pairs []strikePair
	var handles []*workerpool.Handle

	for shard := 0; shard < shardCount; shard++ {
		shard := shard
		h, err := pool.Submit(func() (any, error) {
			var local []strikePair
			for i := shard; i < len(strikes); i += shardCount {
				lo := strikes[i]
				for j := i + 1; j < len(strikes); j++ {
					hi := strikes[j]
					diff := hi - lo
					if diff < minDiff || diff > maxDiff {
						continue
					}
					local = append(local, strikePair{lower: lo, higher: hi})
				}
			}
			mu.Lock()
			pairs = append(pairs, local...)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}
	return pairs
}

// resolveLegs finds the call and put instrument for every strike in
// strikes, resolved in parallel on the pool, ties on multiple matches
// broken by lexical order of trading symbol.
func (e *Evaluator) resolveLegs(ctx context.Context, underlying, exchange string, expiry time.Time, strikes []float64) (map[float64]legPair, error) {
	key := strikeSetKey(underlying, exchange, expiry)

	e.mu.Lock()
	if cached, ok := e.legPairCache[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	universe, err := e.store.ByExchange(ctx, exchange)
	if err != nil {
		return nil, err
	}

	byStrike := map[float64][]model.Instrument{}
	for _, inst := range universe {
		if !inst.IsOption() || !matchesUnderlying(inst, underlying) || !inst.Expiry().Equal(expiry) {
			continue
		}
		byStrike[inst.Strike()] = append(byStrike[inst.Strike()], inst)
	}

	result := map[float64]legPair{}
	var mu sync.Mutex
	var handles []*workerpool.Handle

	for _, strike := range strikes {
		strike := strike
		candidates := byStrike[strike]
		h, err := e.pool.Submit(func() (any, error) {
			pair := pickLegPair(candidates)
			mu.Lock()
			result[strike] = pair
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}

	e.mu.Lock()
	e.legPairCache[key] = result
	e.mu.Unlock()
	return result, nil
}

func pickLegPair(candidates []model.Instrument) legPair {
	var calls, puts []model.Instrument
	for _, inst := range candidates {
		switch inst.OptKind() {
		case model.OptionCall:
			calls = append(calls, inst)
		case model.OptionPut:
			puts = append(puts, inst)
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Symbol < calls[j].Symbol })
	sort.Slice(puts, func(i, j int) bool { return puts[i].Symbol < puts[j].Symbol })

	var pair legPair
	if len(calls) > 0 {
		pair.call = calls[0]
	}
	if len(puts) > 0 {
		pair.put = puts[0]
	}
	return pair
}

func unionLegTokens(legs map[float64]legPair, pairs []strikePair) []int64 {
	seen := map[int64]bool{}
	var tokens []int64
	add := func(t int64) {
		if t != 0 && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	for _, p := range pairs {
		if lo, ok := legs[p.lower]; ok {
			add(lo.call.Token)
			add(lo.put.Token)
		}
		if hi, ok := legs[p.higher]; ok {
			add(hi.call.Token)
			add(hi.put.Token)
		}
	}
	return tokens
}

func (e *Evaluator) buildCandidates(underlying, exchange string, expiry time.Time, pairs []strikePair, legs map[float64]legPair, quotes map[int64]model.Instrument) []*model.Candidate {
	candidates := make([]*model.Candidate, 0, len(pairs))
	for _, p := range pairs {
		lo, okLo := legs[p.lower]
		hi, okHi := legs[p.higher]
		if !okLo || !okHi {
			continue
		}
		c := &model.Candidate{
			ID:              model.NewCandidateID(underlying, exchange, p.lower, p.higher, expiry),
			Underlying:      underlying,
			Exchange:        exchange,
			LowerStrike:     p.lower,
			HigherStrike:    p.higher,
			Expiry:          expiry,
			LongCallLower:   withQuote(lo.call, quotes),
			ShortCallHigher: withQuote(hi.call, quotes),
			LongPutHigher:   withQuote(hi.put, quotes),
			ShortPutLower:   withQuote(lo.put, quotes),
		}
		candidates = append(candidates, c)
	}
	return candidates
}

func withQuote(inst model.Instrument, quotes map[int64]model.Instrument) model.Instrument {
	if q, ok := quotes[inst.Token]; ok {
		q.Token = inst.Token
		q.Symbol = inst.Symbol
		q.Exchange = inst.Exchange
		q.Option = inst.Option
		return q
	}
	return inst
}

// evaluateSharded prices and risk-assesses every candidate, workers
// pulling adaptive batches from a shared queue under a lock, and
// aggregates survivors under a results lock. A progress monitor logs
// percent complete and an ETA every five seconds.
func (e *Evaluator) evaluateSharded(ctx context.Context, candidates []*model.Candidate) []*model.Candidate {
	total := int64(len(candidates))
	if total == 0 {
		return nil
	}

	var processed int64
	monitorDone := make(chan struct{})
	go e.reportProgress(&processed, total, monitorDone)
	defer close(monitorDone)

	var queueMu sync.Mutex
	remaining := candidates

	var resultsMu sync.Mutex
	var survivors []*model.Candidate

	threadCount := e.pool.Workers()
	if threadCount < 1 {
		threadCount = 1
	}

	nextBatch := func() []*model.Candidate {
		queueMu.Lock()
		defer queueMu.Unlock()
		if len(remaining) == 0 {
			return nil
		}
		size := len(remaining) / threadCount
		if size < 1 {
			size = 1
		}
		if size > 50 {
			size = 50
		}
		if size > len(remaining) {
			size = len(remaining)
		}
		batch := remaining[:size]
		remaining = remaining[size:]
		return batch
	}

	var handles []*workerpool.Handle
	workerCount := threadCount
	if int64(workerCount) > total {
		workerCount = int(total)
	}
	for i := 0; i < workerCount; i++ {
		h, err := e.pool.Submit(func() (any, error) {
			for {
				batch := nextBatch()
				if batch == nil {
					return nil, nil
				}
				var local []*model.Candidate
				for _, c := range batch {
					if !c.HasCompleteMarketData() {
						atomic.AddInt64(&processed, 1)
						continue
					}
					quantity := e.cfg.Quantity
					if e.cfg.Capital > 0 {
						quantity = risk.MaxQuantity(c, e.cfg.Capital, e.feeRates, e.risk)
					}
					risk.Evaluate(c, quantity, e.feeRates, e.risk)
					if e.cfg.Capital > 0 && !risk.MeetsCriteria(c, e.cfg.Capital, e.risk) {
						atomic.AddInt64(&processed, 1)
						continue
					}
					if meetsFilters(c, e.cfg) {
						local = append(local, c)
					}
					atomic.AddInt64(&processed, 1)
				}
				if len(local) > 0 {
					resultsMu.Lock()
					survivors = append(survivors, local...)
					resultsMu.Unlock()
				}
			}
		})
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Wait()
	}

	return survivors
}

func meetsFilters(c *model.Candidate, cfg Config) bool {
	return c.Metrics.ROI >= cfg.MinROI &&
		c.Metrics.ProfitabilityScore >= cfg.MinProfit &&
		c.Metrics.Slippage <= cfg.MaxSlippage
}

func (e *Evaluator) reportProgress(processed *int64, total int64, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := atomic.LoadInt64(processed)
			if p >= total {
				return
			}
			pct := float64(p) / float64(total) * 100
			elapsed := time.Since(start)
			var eta time.Duration
			if p > 0 {
				eta = time.Duration(float64(elapsed) * (float64(total-p) / float64(p)))
			}
			slog.Info("evaluator: progress", "processed", p, "total", total, "pct", fmt.Sprintf("%.1f", pct), "eta", eta.Round(time.Second))
		}
	}
}

func strikeSetKey(underlying, exchange string, expiry time.Time) string {
	return underlying + "|" + exchange + "|" + expiry.Format("2006-01-02")
}
