// Package boxpricing computes the theoretical value, net premium,
// depth-walked slippage, and brokerage/tax fee schedule for a 4-leg
// box spread candidate.
package boxpricing

import (
	"math"

	"trading-systemv1/internal/model"
)

// DefaultWorstCaseSlippagePercent is applied to a leg's last price
// when the visible depth ladder cannot fully absorb the requested
// quantity, or carries no depth at all. Overridable via
// strategy/worst_case_slippage_percent.
const DefaultWorstCaseSlippagePercent = 5.0

// mispricingTolerance absorbs rounding noise in HasMispricing.
const mispricingTolerance = 0.01

// HasMispricing reports whether the net premium differs from the
// theoretical value by more than a rounding tolerance.
func HasMispricing(c *model.Candidate) bool {
	return math.Abs(c.NetPremium()-c.TheoreticalValue()) > mispricingTolerance
}

// legSide identifies which side of the book a leg consumes.
type legSide int

const (
	sideBuy  legSide = iota // consumes SellDepth, price moves against us upward
	sideSell                // consumes BuyDepth, price moves against us downward
)

// Slippage walks each leg's depth ladder and returns the total
// cash cost of market impact across all four legs for the given
// quantity. A leg with insufficient depth to fill quantity, or no
// depth at all, contributes worstCaseSlippagePercent of last price
// times quantity as a worst case.
func Slippage(c *model.Candidate, quantity int64, worstCaseSlippagePercent float64) float64 {
	total := 0.0
	total += legSlippage(c.LongCallLower, quantity, sideBuy, worstCaseSlippagePercent)
	total += legSlippage(c.ShortCallHigher, quantity, sideSell, worstCaseSlippagePercent)
	total += legSlippage(c.LongPutHigher, quantity, sideBuy, worstCaseSlippagePercent)
	total += legSlippage(c.ShortPutLower, quantity, sideSell, worstCaseSlippagePercent)
	return total
}

func legSlippage(inst model.Instrument, quantity int64, side legSide, worstCaseSlippagePercent float64) float64 {
	var depth []model.DepthLevel
	if side == sideBuy {
		depth = inst.SellDepth
	} else {
		depth = inst.BuyDepth
	}

	worstCase := inst.Last * float64(quantity) * (worstCaseSlippagePercent / 100.0)

	if len(depth) == 0 {
		return worstCase
	}

	remaining := quantity
	var notional float64
	for _, level := range depth {
		filled := remaining
		if level.Quantity < filled {
			filled = level.Quantity
		}
		notional += float64(filled) * level.Price
		remaining -= filled
		if remaining == 0 {
			break
		}
	}

	if remaining != 0 {
		return worstCase
	}

	avgPrice := notional / float64(quantity)
	if side == sideBuy {
		return (avgPrice - inst.Last) * float64(quantity)
	}
	return (inst.Last - avgPrice) * float64(quantity)
}

// FeeSchedule is the per-component breakdown of statutory and broker
// charges for executing all four legs at the given quantity, grounded
// on Zerodha's published NFO options charge structure.
type FeeSchedule struct {
	Brokerage        float64
	STT              float64
	ExchangeCharges  float64
	GST              float64
	SEBICharges      float64
	StampDuty        float64
}

// Total sums the schedule's components.
func (f FeeSchedule) Total() float64 {
	return f.Brokerage + f.STT + f.ExchangeCharges + f.GST + f.SEBICharges + f.StampDuty
}

// FeeRates carries the configurable percentages/flat amounts behind
// each fee component, each with the documented default embedded in
// its zero-value comment so callers can load overrides from config
// and leave the rest at the statutory default.
type FeeRates struct {
	BrokeragePercent       float64 // default 0.03 (% of turnover)
	MaxBrokeragePerOrder   float64 // default 20.0 (Rs, 4 legs)
	STTPercent             float64 // default 0.05
	ExchangeChargesPercent float64 // default 0.00053
	GSTPercent             float64 // default 18.0
	SEBIChargesPerCrore    float64 // default 10.0
	StampDutyPercent       float64 // default 0.003
}

// DefaultFeeRates returns the statutory defaults from FeeCalculator.
func DefaultFeeRates() FeeRates {
	return FeeRates{
		BrokeragePercent:       0.03,
		MaxBrokeragePerOrder:   20.0,
		STTPercent:             0.05,
		ExchangeChargesPercent: 0.00053,
		GSTPercent:             18.0,
		SEBIChargesPerCrore:    10.0,
		StampDutyPercent:       0.003,
	}
}

// Fees computes the full fee schedule for entering and holding all
// four legs of c at quantity, using rates.
func Fees(c *model.Candidate, quantity int64, rates FeeRates) FeeSchedule {
	turnover := turnover(c, quantity)

	brokerageByPct := turnover * (rates.BrokeragePercent / 100.0)
	brokerageFlat := rates.MaxBrokeragePerOrder * 4
	brokerage := math.Min(brokerageByPct, brokerageFlat)

	sellTurnover := (c.ShortCallHigher.Last + c.ShortPutLower.Last) * float64(quantity)
	stt := sellTurnover * (rates.STTPercent / 100.0)

	exchangeCharges := turnover * (rates.ExchangeChargesPercent / 100.0)

	gst := (brokerage + exchangeCharges) * (rates.GSTPercent / 100.0)

	sebiCharges := turnover * (rates.SEBIChargesPerCrore / 10_000_000.0)

	buyTurnover := (c.LongCallLower.Last + c.LongPutHigher.Last) * float64(quantity)
	stampDuty := buyTurnover * (rates.StampDutyPercent / 100.0)

	return FeeSchedule{
		Brokerage:       brokerage,
		STT:             stt,
		ExchangeCharges: exchangeCharges,
		GST:             gst,
		SEBICharges:     sebiCharges,
		StampDuty:       stampDuty,
	}
}

func turnover(c *model.Candidate, quantity int64) float64 {
	return (c.LongCallLower.Last + c.ShortCallHigher.Last + c.LongPutHigher.Last + c.ShortPutLower.Last) * float64(quantity)
}
