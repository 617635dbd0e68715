// Package quotefetcher retrieves full/LTP/OHLC market data for a set
// of instrument tokens in upstream-sized batches and merges the
// results into a local quote cache, with an optional WebSocket warm
// path that keeps the cached last price fresh between REST polls.
package quotefetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"trading-systemv1/internal/model"
	"trading-systemv1/internal/ratelimit"
	"trading-systemv1/pkg/smartconnect"
)

// defaultBatchMax is Angel One's documented per-request quote cap.
const defaultBatchMax = 250

const quoteRateKey = "quote"

// QuoteClient is the subset of pkg/smartconnect.SmartConnect a Fetcher
// drives to pull market data.
type QuoteClient interface {
	Quote(ctx context.Context, mode string, exchangeTokens map[string][]string) (map[string]any, error)
}

// TokenResolver maps a token to its (exchange, instrument) so fetched
// tokens can be grouped per exchange before the request is issued.
type TokenResolver interface {
	ByToken(ctx context.Context, token int64) (model.Instrument, bool, error)
}

// WarmCache is an optional cross-replica LTP cache (backed by Redis in
// production) that lets a fleet of scanner instances share one
// broker-side quote rate-limit budget instead of each polling
// independently.
type WarmCache interface {
	GetLTP(ctx context.Context, token int64) (float64, bool, error)
	SetLTPs(ctx context.Context, ltps map[int64]float64)
}

// Fetcher batches quote requests and merges responses into an
// in-memory cache keyed by token.
type Fetcher struct {
	client   QuoteClient
	resolver TokenResolver
	limiter  *ratelimit.Limiter
	batchMax int
	warm     WarmCache

	mu    sync.RWMutex
	cache map[int64]model.Instrument
}

// SetWarmCache attaches a cross-replica LTP cache. Passing nil
// disables it (the default).
func (f *Fetcher) SetWarmCache(w WarmCache) {
	f.warm = w
}

// Config configures a Fetcher.
type Config struct {
	BatchMax int // default 250, may be raised up to 500 per spec
}

// New builds a Fetcher. client issues the REST quote calls; resolver
// maps a bare token to the exchange it trades on.
func New(client QuoteClient, resolver TokenResolver, limiter *ratelimit.Limiter, cfg Config) *Fetcher {
	batchMax := cfg.BatchMax
	if batchMax <= 0 {
		batchMax = defaultBatchMax
	}
	if batchMax > 500 {
		batchMax = 500
	}
	return &Fetcher{
		client:   client,
		resolver: resolver,
		limiter:  limiter,
		batchMax: batchMax,
		cache:    map[int64]model.Instrument{},
	}
}

// Quotes fetches full market data (last, OHLC, depth) for tokens and
// returns a map<token, Instrument> merged with the cache, as described
// by the "full" quote mode.
func (f *Fetcher) Quotes(ctx context.Context, tokens []int64) (map[int64]model.Instrument, error) {
	return f.fetch(ctx, tokens, "full")
}

// LTPs fetches last-traded prices only. Tokens another replica has
// already fetched within the warm cache's TTL are served from there
// instead of spending this replica's rate-limit budget on them.
func (f *Fetcher) LTPs(ctx context.Context, tokens []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(tokens))
	var miss []int64

	if f.warm != nil {
		for _, token := range tokens {
			if ltp, ok, err := f.warm.GetLTP(ctx, token); err == nil && ok {
				out[token] = ltp
			} else {
				miss = append(miss, token)
			}
		}
	} else {
		miss = tokens
	}

	if len(miss) == 0 {
		return out, nil
	}

	merged, err := f.fetch(ctx, miss, "ltp")
	if err != nil {
		return nil, err
	}
	fresh := make(map[int64]float64, len(merged))
	for token, inst := range merged {
		fresh[token] = inst.Last
		out[token] = inst.Last
	}
	if f.warm != nil {
		f.warm.SetLTPs(ctx, fresh)
	}
	return out, nil
}

// OHLC is the open/high/low/close quadruple for one token.
type OHLC struct {
	Open, High, Low, Close float64
}

// OHLCs fetches open/high/low/close data only.
func (f *Fetcher) OHLCs(ctx context.Context, tokens []int64) (map[int64]OHLC, error) {
	merged, err := f.fetch(ctx, tokens, "ohlc")
	if err != nil {
		return nil, err
	}
	out := make(map[int64]OHLC, len(merged))
	for token, inst := range merged {
		out[token] = OHLC{Open: inst.Open, High: inst.High, Low: inst.Low, Close: inst.Close}
	}
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, tokens []int64, mode string) (map[int64]model.Instrument, error) {
	grouped, err := f.groupByExchange(ctx, tokens)
	if err != nil {
		return nil, err
	}

	for _, chunk := range chunkExchangeTokens(grouped, f.batchMax) {
		if err := f.limiter.Acquire(ctx, quoteRateKey); err != nil {
			return nil, fmt.Errorf("quotefetcher: rate limit: %w", err)
		}
		resp, err := f.client.Quote(ctx, mode, chunk)
		if err != nil {
			return nil, fmt.Errorf("quotefetcher: quote request: %w", err)
		}
		f.mergeResponse(resp)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[int64]model.Instrument, len(tokens))
	for _, t := range tokens {
		if inst, ok := f.cache[t]; ok {
			out[t] = inst
		}
	}
	return out, nil
}

// groupByExchange resolves each token's exchange via resolver so the
// quote request can be split into the wire format Quote expects
// (exchange -> []symboltoken).
func (f *Fetcher) groupByExchange(ctx context.Context, tokens []int64) (map[string][]string, error) {
	grouped := map[string][]string{}
	for _, token := range tokens {
		inst, ok, err := f.resolver.ByToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("quotefetcher: resolve token %d: %w", token, err)
		}
		if !ok {
			slog.Warn("quotefetcher: skipping unresolvable token", "token", token)
			continue
		}
		grouped[inst.Exchange] = append(grouped[inst.Exchange], fmt.Sprintf("%d", token))
	}
	return grouped, nil
}

// chunkExchangeTokens splits a per-exchange token grouping into chunks
// of at most batchMax tokens total, preserving exchange grouping
// within each chunk.
func chunkExchangeTokens(grouped map[string][]string, batchMax int) []map[string][]string {
	var chunks []map[string][]string
	current := map[string][]string{}
	count := 0

	for exchange, tokens := range grouped {
		for _, tok := range tokens {
			if count == batchMax {
				chunks = append(chunks, current)
				current = map[string][]string{}
				count = 0
			}
			current[exchange] = append(current[exchange], tok)
			count++
		}
	}
	if count > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// mergeResponse parses the quote response's per-token payloads and
// merges them into the cache; tokens missing from the response are
// left untouched, malformed entries are logged and skipped.
func (f *Fetcher) mergeResponse(resp map[string]any) {
	data, ok := resp["data"].(map[string]any)
	if !ok {
		return
	}
	fetched, ok := data["fetched"].([]any)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, raw := range fetched {
		entry, ok := raw.(map[string]any)
		if !ok {
			slog.Warn("quotefetcher: skipping malformed quote entry")
			continue
		}
		token, err := tokenFromEntry(entry)
		if err != nil {
			slog.Warn("quotefetcher: skipping entry with bad token", "err", err)
			continue
		}

		inst := f.cache[token]
		inst.Token = token
		applyQuoteFields(&inst, entry)
		f.cache[token] = inst
	}
}

func tokenFromEntry(entry map[string]any) (int64, error) {
	v, ok := entry["symbolToken"]
	if !ok {
		return 0, fmt.Errorf("missing symbolToken")
	}
	switch t := v.(type) {
	case string:
		var token int64
		if _, err := fmt.Sscanf(t, "%d", &token); err != nil {
			return 0, err
		}
		return token, nil
	case float64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("unexpected symbolToken type %T", v)
	}
}

func applyQuoteFields(inst *model.Instrument, entry map[string]any) {
	if v, ok := entry["ltp"].(float64); ok {
		inst.Last = v
	}
	if v, ok := entry["open"].(float64); ok {
		inst.Open = v
	}
	if v, ok := entry["high"].(float64); ok {
		inst.High = v
	}
	if v, ok := entry["low"].(float64); ok {
		inst.Low = v
	}
	if v, ok := entry["close"].(float64); ok {
		inst.Close = v
	}
	if v, ok := entry["avgPrice"].(float64); ok {
		inst.Average = v
	}
	if v, ok := entry["tradeVolume"].(float64); ok {
		inst.Volume = int64(v)
	}
	if v, ok := entry["opnInterest"].(float64); ok {
		inst.OpenInterest = int64(v)
	}
	if depth, ok := entry["depth"].(map[string]any); ok {
		inst.BuyDepth = parseDepthSide(depth["buy"])
		inst.SellDepth = parseDepthSide(depth["sell"])
	}
}

// parseDepthSide parses a depth.buy or depth.sell array into an
// ordered ladder, preserving the upstream best-first order.
func parseDepthSide(raw any) []model.DepthLevel {
	levels, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]model.DepthLevel, 0, len(levels))
	for _, lvl := range levels {
		m, ok := lvl.(map[string]any)
		if !ok {
			continue
		}
		dl := model.DepthLevel{}
		if v, ok := m["price"].(float64); ok {
			dl.Price = v
		}
		if v, ok := m["quantity"].(float64); ok {
			dl.Quantity = int64(v)
		}
		if v, ok := m["orders"].(float64); ok {
			dl.Orders = int32(v)
		}
		out = append(out, dl)
	}
	return out
}

// AttachWarmPath wires a live SmartWebSocketV3 feed as an optional
// warm path: incoming ticks update the cached last price between REST
// polls, so a scan mid-cycle sees a fresher price without waiting on
// the next quote batch. REST remains the authoritative source for
// depth and fees/slippage math.
func (f *Fetcher) AttachWarmPath(ws *smartconnect.SmartWebSocketV3) {
	prevOnData := ws.OnData
	ws.OnData = func(msg map[string]interface{}) {
		if prevOnData != nil {
			prevOnData(msg)
		}
		f.applyWarmTick(msg)
	}
}

// warmTickPaiseToRupees converts the websocket feed's paise-denominated
// last_traded_price to the rupee floats model.Instrument.Last uses
// everywhere else in the scanner.
func warmTickPaiseToRupees(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t / 100, true
	case int64:
		return float64(t) / 100, true
	case int:
		return float64(t) / 100, true
	default:
		return 0, false
	}
}

func (f *Fetcher) applyWarmTick(msg map[string]interface{}) {
	tokenStr, _ := msg["token"].(string)
	if tokenStr == "" {
		return
	}
	var token int64
	if _, err := fmt.Sscanf(tokenStr, "%d", &token); err != nil {
		return
	}
	ltp, ok := warmTickPaiseToRupees(msg["last_traded_price"])
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.cache[token]
	if !ok {
		return
	}
	inst.Last = ltp
	f.cache[token] = inst
}
