package model

import (
	"fmt"
	"time"
)

// CandidateMetrics are the derived pricing/risk numbers attached to a
// Candidate once it has been evaluated.
type CandidateMetrics struct {
	NetPremium         float64
	TheoreticalValue   float64
	Slippage           float64
	Fees               float64
	Margin             float64
	ROI                float64
	ProfitabilityScore float64
	MaxLoss            float64
	MaxProfit          float64
	// BreakEven is a synthetic break-even (fees+slippage), informational
	// only — it is never used for filtering.
	BreakEven float64
	// HasMispricing is true when net premium diverges from theoretical
	// value by more than a small tolerance; informational only.
	HasMispricing bool
}

// Candidate is a 4-leg box spread built from two strikes of the same
// underlying, exchange and expiry.
type Candidate struct {
	ID          string
	Underlying  string
	Exchange    string
	LowerStrike float64
	HigherStrike float64
	Expiry      time.Time

	LongCallLower   Instrument // long call @ lower strike
	ShortCallHigher Instrument // short call @ higher strike
	LongPutHigher   Instrument // long put @ higher strike
	ShortPutLower   Instrument // short put @ lower strike

	Metrics CandidateMetrics

	// Quantity is the lot quantity risk.Evaluate priced this candidate
	// at — either the strategy's fixed configured quantity or, when
	// capital-based sizing is enabled, risk.MaxQuantity's result.
	Quantity int64

	Executed bool
}

// NewCandidateID builds the deterministic candidate id:
// underlying|exchange|lowerStrike|higherStrike|expiry.
func NewCandidateID(underlying, exchange string, lower, higher float64, expiry time.Time) string {
	return fmt.Sprintf("%s|%s|%.2f|%.2f|%s", underlying, exchange, lower, higher, expiry.Format("2006-01-02"))
}

// HasCompleteMarketData reports whether every leg has a positive last
// price and the relevant depth ladder for its side is non-empty:
// the sell ladder for buy legs (long call, long put), the buy ladder
// for sell legs (short call, short put).
func (c *Candidate) HasCompleteMarketData() bool {
	legs := []struct {
		inst      Instrument
		sellSide  bool // true: instrument is sold (check buy depth); false: bought (check sell depth)
	}{
		{c.LongCallLower, false},
		{c.ShortCallHigher, true},
		{c.LongPutHigher, false},
		{c.ShortPutLower, true},
	}
	for _, l := range legs {
		if l.inst.Last <= 0 {
			return false
		}
		if l.sellSide {
			if len(l.inst.BuyDepth) == 0 {
				return false
			}
		} else {
			if len(l.inst.SellDepth) == 0 {
				return false
			}
		}
	}
	return true
}

// TheoreticalValue is higherStrike - lowerStrike.
func (c *Candidate) TheoreticalValue() float64 {
	return c.HigherStrike - c.LowerStrike
}

// NetPremium is the signed cash flow on entry: -LC+SC-LP+SP.
// Positive means a net credit was received.
func (c *Candidate) NetPremium() float64 {
	return -c.LongCallLower.Last + c.ShortCallHigher.Last - c.LongPutHigher.Last + c.ShortPutLower.Last
}

// RawProfitLoss is theoretical value minus net premium, before fees
// and slippage.
func (c *Candidate) RawProfitLoss() float64 {
	return c.TheoreticalValue() - c.NetPremium()
}
