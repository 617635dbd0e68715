// Package instrumentstore fetches and caches the exchange instrument
// master: a rate-limited HTTP GET when the on-disk CSV goes stale,
// parsed into an in-memory index the rest of the scanner queries by
// token, symbol, or exchange.
package instrumentstore

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trading-systemv1/internal/model"
	"trading-systemv1/internal/ratelimit"
)

const instrumentsRateKey = "instruments"

// Fetcher is the subset of pkg/smartconnect.SmartConnect the store
// drives to pull a fresh instrument master.
type Fetcher interface {
	Instruments(ctx context.Context) ([]byte, error)
}

// Store caches the instrument universe on disk (SQLite, keyed by
// fetched_at for a TTL check) and in memory (token and symbol
// indexes) behind a single lock.
type Store struct {
	fetcher    Fetcher
	limiter    *ratelimit.Limiter
	underlying string
	ttl        time.Duration
	db         *sql.DB

	mu        sync.RWMutex
	byToken   map[int64]model.Instrument
	bySymbol  map[string]model.Instrument
	fetchedAt time.Time
}

// Config configures a Store.
type Config struct {
	DBPath     string // SQLite file backing the on-disk cache
	Underlying string // used by the symbol-prefix heuristic during parsing
	TTL        time.Duration
}

// New opens (or creates) the on-disk cache at cfg.DBPath and returns a
// Store ready to serve All/ByToken/etc.
func New(fetcher Fetcher, limiter *ratelimit.Limiter, cfg Config) (*Store, error) {
	if cfg.TTL == 0 {
		cfg.TTL = 1440 * time.Minute
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("instrumentstore: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instrument_cache (
			id         INTEGER PRIMARY KEY CHECK (id = 0),
			raw_csv    BLOB NOT NULL,
			fetched_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("instrumentstore: schema: %w", err)
	}

	s := &Store{
		fetcher:    fetcher,
		limiter:    limiter,
		underlying: cfg.Underlying,
		ttl:        cfg.TTL,
		db:         db,
		byToken:    map[int64]model.Instrument{},
		bySymbol:   map[string]model.Instrument{},
	}
	return s, nil
}

// All returns the cached universe, fetching it first if stale.
func (s *Store) All(ctx context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	fresh := !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < s.ttl
	s.mu.RUnlock()

	if !fresh {
		if err := s.load(ctx, false); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instrument, 0, len(s.byToken))
	for _, inst := range s.byToken {
		out = append(out, inst)
	}
	return out, nil
}

// ByToken looks up an instrument by its token. On a miss it goes
// through All, which refetches only when the cached universe is stale;
// a contract added upstream since the last fetch is not found until
// then.
func (s *Store) ByToken(ctx context.Context, token int64) (model.Instrument, bool, error) {
	s.mu.RLock()
	inst, ok := s.byToken[token]
	s.mu.RUnlock()
	if ok {
		return inst, true, nil
	}
	if _, err := s.All(ctx); err != nil {
		return model.Instrument{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok = s.byToken[token]
	return inst, ok, nil
}

// BySymbol looks up an instrument by (symbol, exchange). On a miss it
// goes through All, which refetches only when the cache is stale.
func (s *Store) BySymbol(ctx context.Context, symbol, exchange string) (model.Instrument, bool, error) {
	key := symbol + "|" + exchange
	s.mu.RLock()
	inst, ok := s.bySymbol[key]
	s.mu.RUnlock()
	if ok {
		return inst, true, nil
	}
	if _, err := s.All(ctx); err != nil {
		return model.Instrument{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok = s.bySymbol[key]
	return inst, ok, nil
}

// ByExchange returns every instrument on exchange, via a linear filter
// of All.
func (s *Store) ByExchange(ctx context.Context, exchange string) ([]model.Instrument, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(all))
	for _, inst := range all {
		if strings.EqualFold(inst.Exchange, exchange) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Refresh invalidates the freshness check and refetches unconditionally.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return s.load(ctx, true)
}

// Clear wipes all in-memory and on-disk state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken = map[int64]model.Instrument{}
	s.bySymbol = map[string]model.Instrument{}
	s.fetchedAt = time.Time{}
	_, err := s.db.Exec(`DELETE FROM instrument_cache`)
	return err
}

// load reads the on-disk cache if fresh (and force is false), else
// issues a rate-limited fetch, persists the CSV, and parses it into the
// in-memory indexes.
func (s *Store) load(ctx context.Context, force bool) error {
	raw, fetchedAt, err := s.readDiskCache()
	if err != nil {
		return err
	}
	if force || raw == nil || time.Since(fetchedAt) >= s.ttl {
		raw, err = s.fetchAndPersist(ctx)
		if err != nil {
			return err
		}
		fetchedAt = time.Now()
	}

	byToken, bySymbol, err := parseCSV(raw, s.underlying)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.byToken = byToken
	s.bySymbol = bySymbol
	s.fetchedAt = fetchedAt
	s.mu.Unlock()
	return nil
}

func (s *Store) readDiskCache() ([]byte, time.Time, error) {
	var raw []byte
	var fetchedAtUnix int64
	err := s.db.QueryRow(`SELECT raw_csv, fetched_at FROM instrument_cache WHERE id = 0`).Scan(&raw, &fetchedAtUnix)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("instrumentstore: read cache: %w", err)
	}
	return raw, time.Unix(fetchedAtUnix, 0), nil
}

func (s *Store) fetchAndPersist(ctx context.Context) ([]byte, error) {
	if err := s.limiter.Acquire(ctx, instrumentsRateKey); err != nil {
		return nil, fmt.Errorf("instrumentstore: rate limit: %w", err)
	}
	raw, err := s.fetcher.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("instrumentstore: fetch: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO instrument_cache (id, raw_csv, fetched_at) VALUES (0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET raw_csv = excluded.raw_csv, fetched_at = excluded.fetched_at
	`, raw, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("instrumentstore: persist cache: %w", err)
	}
	return raw, nil
}

// parseCSV parses the ≥12-field instrument master into token/symbol
// indexes, applying the symbol-prefix underlying heuristic and the
// symbol-fallback expiry parse for malformed dates.
func parseCSV(raw []byte, configuredUnderlying string) (map[int64]model.Instrument, map[string]model.Instrument, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	byToken := map[int64]model.Instrument{}
	bySymbol := map[string]model.Instrument{}

	lineNo := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			slog.Warn("instrumentstore: skipping malformed CSV record", "line", lineNo, "err", err)
			continue
		}
		if len(record) < 12 {
			slog.Warn("instrumentstore: skipping short CSV record", "line", lineNo, "fields", len(record))
			continue
		}

		inst, ok := parseRecord(record, configuredUnderlying)
		if !ok {
			continue
		}
		byToken[inst.Token] = inst
		bySymbol[inst.SecondaryKey()] = inst
	}

	return byToken, bySymbol, nil
}

func parseRecord(field []string, configuredUnderlying string) (model.Instrument, bool) {
	token, err := strconv.ParseInt(strings.TrimSpace(field[0]), 10, 64)
	if err != nil {
		return model.Instrument{}, false
	}

	symbol := strings.TrimSpace(field[2])
	name := strings.TrimSpace(field[3])
	last, _ := strconv.ParseFloat(strings.TrimSpace(field[4]), 64)
	expiry := parseExpiryField(strings.TrimSpace(field[5]))
	strike, _ := strconv.ParseFloat(strings.TrimSpace(field[6]), 64)
	kindCode := strings.ToUpper(strings.TrimSpace(field[9]))
	segment := strings.TrimSpace(field[10])
	exchange := strings.TrimSpace(field[11])

	inst := model.Instrument{
		Token:    token,
		Symbol:   symbol,
		Exchange: exchange,
		Name:     name,
		Segment:  segment,
	}
	inst.Snapshot.Last = last

	kind := classifyKind(kindCode, segment)
	inst.Kind = kind

	switch kind {
	case model.KindOption:
		optKind := model.OptionNone
		switch kindCode {
		case "CE":
			optKind = model.OptionCall
		case "PE":
			optKind = model.OptionPut
		}
		if optKind == model.OptionNone {
			optKind = optionKindFromSymbol(symbol)
		}
		if expiry.IsZero() {
			expiry = expiryFromSymbol(symbol)
		}
		underlying := name
		if underlying == "" {
			underlying = symbolPrefixUnderlying(symbol, configuredUnderlying)
		}
		inst.Option = &model.OptionDetails{
			Underlying: underlying,
			Strike:     strike,
			OptionKind: optKind,
			Expiry:     expiry,
		}
	case model.KindFuture:
		inst.Future = &model.FutureDetails{Expiry: expiry}
	}

	return inst, true
}

func classifyKind(kindCode, segment string) model.Kind {
	switch {
	case strings.HasSuffix(segment, "-OPT"):
		return model.KindOption
	case strings.HasSuffix(segment, "-FUT"):
		return model.KindFuture
	}
	switch kindCode {
	case "CE", "PE":
		return model.KindOption
	case "FUT":
		return model.KindFuture
	case "EQ":
		return model.KindEquity
	case "INDICES":
		return model.KindIndex
	default:
		return model.KindUnknown
	}
}

func optionKindFromSymbol(symbol string) model.OptionKind {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.HasSuffix(upper, "CE"):
		return model.OptionCall
	case strings.HasSuffix(upper, "PE"):
		return model.OptionPut
	default:
		return model.OptionNone
	}
}

// symbolPrefixUnderlying returns configuredUnderlying if symbol starts
// with it case-insensitively, else the empty string.
func symbolPrefixUnderlying(symbol, configuredUnderlying string) string {
	if configuredUnderlying == "" {
		return ""
	}
	if len(symbol) >= len(configuredUnderlying) &&
		strings.EqualFold(symbol[:len(configuredUnderlying)], configuredUnderlying) {
		return configuredUnderlying
	}
	return ""
}

var monthAbbrev = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

func parseExpiryField(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// expiryFromSymbol derives an expiry from a malformed-date instrument
// whose symbol carries it inline: either `<UND>YYMON DD…` (day-precise,
// e.g. NIFTY23JUN22...) or `<UND>YYMM…` (month-only, resolved to the
// last Thursday of that year-month).
func expiryFromSymbol(symbol string) time.Time {
	upper := strings.ToUpper(symbol)
	digitsStart := -1
	for i, r := range upper {
		if r >= '0' && r <= '9' {
			digitsStart = i
			break
		}
	}
	if digitsStart < 0 || digitsStart+2 > len(upper) {
		return time.Time{}
	}
	rest := upper[digitsStart:]

	if len(rest) >= 7 {
		yy := rest[0:2]
		mon := rest[2:5]
		dd := rest[5:7]
		if m, ok := monthAbbrev[mon]; ok {
			year, err1 := strconv.Atoi(yy)
			day, err2 := strconv.Atoi(dd)
			if err1 == nil && err2 == nil {
				return time.Date(2000+year, m, day, 0, 0, 0, 0, time.UTC)
			}
		}
	}

	if len(rest) >= 4 {
		yy := rest[0:2]
		mm := rest[2:4]
		year, err1 := strconv.Atoi(yy)
		month, err2 := strconv.Atoi(mm)
		if err1 == nil && err2 == nil && month >= 1 && month <= 12 {
			return lastThursday(2000+year, time.Month(month))
		}
	}

	return time.Time{}
}

func lastThursday(year int, month time.Month) time.Time {
	firstOfNextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	last := firstOfNextMonth.AddDate(0, 0, -1)
	for last.Weekday() != time.Thursday {
		last = last.AddDate(0, 0, -1)
	}
	return last
}

// Close releases the on-disk database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
