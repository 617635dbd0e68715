package evaluator

import (
	"context"
	"testing"
	"time"

	"trading-systemv1/internal/boxpricing"
	"trading-systemv1/internal/model"
	"trading-systemv1/internal/risk"
	"trading-systemv1/internal/workerpool"
)

var testExpiry = time.Date(2025, time.June, 26, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	instruments []model.Instrument
}

func (s *fakeStore) ByExchange(ctx context.Context, exchange string) ([]model.Instrument, error) {
	return s.instruments, nil
}

type fakeQuoteFetcher struct {
	quotes map[int64]model.Instrument
}

func (f *fakeQuoteFetcher) Quotes(ctx context.Context, tokens []int64) (map[int64]model.Instrument, error) {
	out := map[int64]model.Instrument{}
	for _, t := range tokens {
		if q, ok := f.quotes[t]; ok {
			out[t] = q
		}
	}
	return out, nil
}

type fixedSpot struct {
	price float64
	err   error
}

func (s fixedSpot) Spot(ctx context.Context, underlying, exchange string) (float64, error) {
	return s.price, s.err
}

func option(token int64, symbol string, strike float64, kind model.OptionKind) model.Instrument {
	return model.Instrument{
		Token:    token,
		Symbol:   symbol,
		Exchange: "NFO",
		Name:     "NIFTY",
		Kind:     model.KindOption,
		Option: &model.OptionDetails{
			Underlying: "NIFTY",
			Strike:     strike,
			OptionKind: kind,
			Expiry:     testExpiry,
		},
	}
}

func buildUniverse() []model.Instrument {
	return []model.Instrument{
		option(1, "NIFTY25JUN20000CE", 20000, model.OptionCall),
		option(2, "NIFTY25JUN20000PE", 20000, model.OptionPut),
		option(3, "NIFTY25JUN20200CE", 20200, model.OptionCall),
		option(4, "NIFTY25JUN20200PE", 20200, model.OptionPut),
	}
}

func withDepthQuote(inst model.Instrument, last float64, buyDepth, sellDepth []model.DepthLevel) model.Instrument {
	inst.Last = last
	inst.BuyDepth = buyDepth
	inst.SellDepth = sellDepth
	return inst
}

func buildQuotes() map[int64]model.Instrument {
	buy := []model.DepthLevel{{Price: 60, Quantity: 100}}
	sell := []model.DepthLevel{{Price: 10, Quantity: 100}}
	return map[int64]model.Instrument{
		1: withDepthQuote(buildUniverse()[0], 10, buy, sell),  // long call low
		2: withDepthQuote(buildUniverse()[1], 60, buy, sell),  // short put low
		3: withDepthQuote(buildUniverse()[2], 60, buy, sell),  // short call high
		4: withDepthQuote(buildUniverse()[3], 10, buy, sell),  // long put high
	}
}

func newTestEvaluator(t *testing.T, cfg Config) (*Evaluator, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(2)
	t.Cleanup(pool.Shutdown)
	e := New(&fakeStore{instruments: buildUniverse()}, &fakeQuoteFetcher{quotes: buildQuotes()}, fixedSpot{err: context.DeadlineExceeded}, pool, boxpricing.DefaultFeeRates(), risk.DefaultRates(), cfg)
	return e, pool
}

func TestEvaluate_ReturnsSurvivorWithinStrikeWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinStrikeDiff = 100
	cfg.MaxStrikeDiff = 500
	cfg.MinROI = 0
	e, _ := newTestEvaluator(t, cfg)

	got, err := e.Evaluate(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(got))
	}
	if got[0].LowerStrike != 20000 || got[0].HigherStrike != 20200 {
		t.Fatalf("unexpected strikes: %v/%v", got[0].LowerStrike, got[0].HigherStrike)
	}
}

func TestEvaluate_CapitalSizingAppliesMaxQuantityAndMeetsCriteria(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinStrikeDiff = 100
	cfg.MaxStrikeDiff = 500
	cfg.MinROI = 0
	cfg.Capital = 75000

	// A generous MaxLossPercent isolates the sizing/wiring behavior
	// under test from the fixture's specific fee/margin numbers.
	riskRates := risk.DefaultRates()
	riskRates.MaxLossPercent = 1_000_000
	pool := workerpool.New(2)
	defer pool.Shutdown()
	e := New(&fakeStore{instruments: buildUniverse()}, &fakeQuoteFetcher{quotes: buildQuotes()}, fixedSpot{err: context.DeadlineExceeded}, pool, boxpricing.DefaultFeeRates(), riskRates, cfg)

	got, err := e.Evaluate(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(got))
	}
	want := risk.MaxQuantity(got[0], cfg.Capital, boxpricing.DefaultFeeRates(), riskRates)
	if got[0].Quantity != want {
		t.Fatalf("expected survivor to be sized by risk.MaxQuantity (%d), got quantity %d", want, got[0].Quantity)
	}
	if got[0].Quantity == cfg.Quantity {
		t.Fatalf("expected capital-based sizing to override the fixed configured quantity %d", cfg.Quantity)
	}
}

func TestEvaluate_CapitalSizingRejectsWhenCriteriaFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinStrikeDiff = 100
	cfg.MaxStrikeDiff = 500
	cfg.MinROI = 0
	cfg.Capital = 75000
	e, _ := newTestEvaluator(t, cfg) // default MaxLossPercent (2.0) rejects this fixture's margin/fee ratio

	got, err := e.Evaluate(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no survivors when MeetsCriteria's loss-percent gate fails, got %d", len(got))
	}
}

func TestEvaluate_EmptyWhenFewerThanTwoStrikes(t *testing.T) {
	cfg := DefaultConfig()
	pool := workerpool.New(1)
	defer pool.Shutdown()
	store := &fakeStore{instruments: []model.Instrument{option(1, "NIFTY25JUN20000CE", 20000, model.OptionCall)}}
	e := New(store, &fakeQuoteFetcher{}, fixedSpot{err: context.DeadlineExceeded}, pool, boxpricing.DefaultFeeRates(), risk.DefaultRates(), cfg)

	got, err := e.Evaluate(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil survivors, got %v", got)
	}
}

func TestEvaluate_RejectsPairOutsideStrikeDiffWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinStrikeDiff = 500
	cfg.MaxStrikeDiff = 1000
	e, _ := newTestEvaluator(t, cfg)

	got, err := e.Evaluate(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no survivors outside the diff window, got %d", len(got))
	}
}

func TestStrikeSet_CachesAcrossCalls(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newTestEvaluator(t, cfg)

	first, err := e.strikeSet(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("strike set: %v", err)
	}
	e.store.(*fakeStore).instruments = nil
	second, err := e.strikeSet(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("strike set cached: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("expected cached strike set to survive underlying store mutation")
	}
}

func TestClearCache_ForcesRecompute(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newTestEvaluator(t, cfg)

	if _, err := e.strikeSet(context.Background(), "NIFTY", "NFO", testExpiry); err != nil {
		t.Fatalf("strike set: %v", err)
	}
	e.ClearCache()
	e.store.(*fakeStore).instruments = nil
	got, err := e.strikeSet(context.Background(), "NIFTY", "NFO", testExpiry)
	if err != nil {
		t.Fatalf("strike set after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty strike set after clearing cache and wiping the store, got %v", got)
	}
}

func TestPickLegPair_BreaksTiesLexically(t *testing.T) {
	candidates := []model.Instrument{
		option(2, "NIFTY25JUN20000CE-B", 20000, model.OptionCall),
		option(1, "NIFTY25JUN20000CE-A", 20000, model.OptionCall),
	}
	pair := pickLegPair(candidates)
	if pair.call.Symbol != "NIFTY25JUN20000CE-A" {
		t.Fatalf("expected lexically first symbol, got %q", pair.call.Symbol)
	}
}
