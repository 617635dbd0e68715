// Package expiry classifies option expiries as weekly or monthly and
// filters the ones a scan cycle should consider.
package expiry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trading-systemv1/internal/markethours"
	"trading-systemv1/internal/model"
)

// InstrumentSource is the slice of Component C the classifier needs.
type InstrumentSource interface {
	ByExchange(ctx context.Context, exchange string) ([]model.Instrument, error)
}

// Classifier computes weekly/monthly expiry sets for an
// (underlying, exchange) pair, in the exchange's local time zone.
type Classifier struct {
	store InstrumentSource
	loc   *time.Location

	mu    sync.Mutex
	cache map[string]filterResult
}

type filterResult struct {
	expiries []time.Time
}

// New creates a Classifier. loc is the exchange's local time zone
// (e.g. IST) — expiry is treated as a wall-clock date in that zone,
// never through a localtime/mktime round trip.
func New(store InstrumentSource, loc *time.Location) *Classifier {
	return &Classifier{store: store, loc: loc, cache: make(map[string]filterResult)}
}

// IsMonthly reports whether t is the last Thursday of its month.
func IsMonthly(t time.Time) bool {
	if t.Weekday() != time.Thursday {
		return false
	}
	return t.AddDate(0, 0, 7).Month() != t.Month()
}

// IsWeekly reports whether t is a Thursday that is not the month's
// last Thursday.
func IsWeekly(t time.Time) bool {
	return t.Weekday() == time.Thursday && !IsMonthly(t)
}

// Expiries returns the distinct future option expiries for
// (underlying, exchange), split into ascending weekly and monthly
// slices, honoring includeWeekly/includeMonthly.
func (c *Classifier) Expiries(ctx context.Context, underlying, exchange string, includeWeekly, includeMonthly bool) (weekly, monthly []time.Time, err error) {
	instruments, err := c.store.ByExchange(ctx, exchange)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().In(c.loc)
	seen := map[time.Time]bool{}
	type nominal struct {
		day    time.Time // the calendar Thursday, used to classify weekly vs. monthly
		actual time.Time // the trading day the expiry actually settles on
	}
	var uniq []nominal

	for _, inst := range instruments {
		if !inst.IsOption() {
			continue
		}
		if !matchesUnderlying(inst, underlying) {
			continue
		}
		exp := inst.Expiry()
		if exp.IsZero() {
			continue
		}
		exp = exp.In(c.loc)
		if !exp.After(now) {
			continue
		}
		day := time.Date(exp.Year(), exp.Month(), exp.Day(), 0, 0, 0, 0, c.loc)
		if !seen[day] {
			seen[day] = true
			uniq = append(uniq, nominal{day: day, actual: rollToPrecedingTradingDay(day)})
		}
	}

	for _, n := range uniq {
		switch {
		case IsMonthly(n.day):
			if includeMonthly {
				monthly = append(monthly, n.actual)
			}
		case IsWeekly(n.day):
			if includeWeekly {
				weekly = append(weekly, n.actual)
			}
		}
	}

	sort.Slice(weekly, func(i, j int) bool { return weekly[i].Before(weekly[j]) })
	sort.Slice(monthly, func(i, j int) bool { return monthly[i].Before(monthly[j]) })
	return weekly, monthly, nil
}

// rollToPrecedingTradingDay moves an NSE-holiday Thursday expiry back
// to the nearest preceding trading day, matching how NSE advances
// settlement when the nominal expiry falls on a market holiday.
func rollToPrecedingTradingDay(d time.Time) time.Time {
	for i := 0; i < 7 && !markethours.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// matchesUnderlying implements spec.md 4.E step 2: the instrument's
// underlying field case-insensitively equals the configured
// underlying, OR its trading symbol starts with it case-insensitively
// and ends in CE/PE.
func matchesUnderlying(inst model.Instrument, underlying string) bool {
	if inst.Option != nil && strings.EqualFold(inst.Option.Underlying, underlying) {
		return true
	}
	sym := strings.ToUpper(inst.Symbol)
	und := strings.ToUpper(underlying)
	if strings.HasPrefix(sym, und) && (strings.HasSuffix(sym, "CE") || strings.HasSuffix(sym, "PE")) {
		return true
	}
	return false
}

// Filter drops expiries outside [minDays, maxDays] from now, drops
// classes not wanted, sorts ascending, and truncates to maxCount. The
// result is cached per (underlying, exchange, minDays, maxDays,
// weekly, monthly, maxCount) key so repeated scan cycles in the same
// process don't re-walk the instrument universe on every call.
func (c *Classifier) Filter(ctx context.Context, underlying, exchange string, includeWeekly, includeMonthly bool, minDays, maxDays, maxCount int) ([]time.Time, error) {
	key := fmt.Sprintf("%s|%s|%v|%v|%d|%d|%d", underlying, exchange, includeWeekly, includeMonthly, minDays, maxDays, maxCount)

	c.mu.Lock()
	if r, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return r.expiries, nil
	}
	c.mu.Unlock()

	weekly, monthly, err := c.Expiries(ctx, underlying, exchange, includeWeekly, includeMonthly)
	if err != nil {
		return nil, err
	}

	all := append(append([]time.Time{}, weekly...), monthly...)
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })

	now := time.Now().In(c.loc)
	var filtered []time.Time
	for _, exp := range all {
		days := int(exp.Sub(now).Hours() / 24)
		if days < minDays || days > maxDays {
			continue
		}
		filtered = append(filtered, exp)
	}
	if maxCount > 0 && len(filtered) > maxCount {
		filtered = filtered[:maxCount]
	}

	c.mu.Lock()
	c.cache[key] = filterResult{expiries: filtered}
	c.mu.Unlock()

	return filtered, nil
}

// InvalidateCache clears all cached filter results. Call after a
// Refresh of the underlying instrument universe.
func (c *Classifier) InvalidateCache() {
	c.mu.Lock()
	c.cache = make(map[string]filterResult)
	c.mu.Unlock()
}
