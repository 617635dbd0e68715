// Package risk turns a priced box spread candidate into margin, ROI,
// and a profitability ranking score, and gates it against the
// configured risk tolerance.
package risk

import (
	"math"

	"trading-systemv1/internal/boxpricing"
	"trading-systemv1/internal/model"
)

// Rates holds the configurable risk-sizing parameters. Each field's
// documented default mirrors the original SPAN-style margin estimate.
type Rates struct {
	MarginBufferPercent      float64 // default 25.0, added on top of max loss for SPAN margin
	ExposureMarginPercent    float64 // default 3.0, applied to total premium turnover
	MinROIPercent            float64 // default 0.5, gate in MeetsCriteria
	MaxLossPercent           float64 // default 2.0, of available capital, gate in MeetsCriteria
	CapitalSafetyFactor      float64 // default 0.9, applied in MaxQuantity
	WorstCaseSlippagePercent float64 // default 5.0, passed through to boxpricing.Slippage
}

// DefaultRates returns the statutory/documented defaults from
// RiskCalculator.
func DefaultRates() Rates {
	return Rates{
		MarginBufferPercent:      25.0,
		ExposureMarginPercent:    3.0,
		MinROIPercent:            0.5,
		MaxLossPercent:           2.0,
		CapitalSafetyFactor:      0.9,
		WorstCaseSlippagePercent: boxpricing.DefaultWorstCaseSlippagePercent,
	}
}

// MaxLoss is the worst-case loss of entering quantity contracts: the
// premium paid if net premium is negative, or just fees+slippage if a
// net credit was received (the credit itself is never at risk).
func MaxLoss(c *model.Candidate, quantity int64, feesTotal, slippageTotal float64) float64 {
	netPremium := c.NetPremium()
	if netPremium < 0 {
		return -netPremium * float64(quantity)
	}
	return feesTotal + slippageTotal
}

// MaxProfit is the payoff at expiry net of fees and slippage, floored
// at zero.
func MaxProfit(c *model.Candidate, quantity int64, feesTotal, slippageTotal float64) float64 {
	adjusted := c.RawProfitLoss()*float64(quantity) - feesTotal - slippageTotal
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// MarginRequired estimates the SPAN-style margin: max loss plus a
// configured buffer, plus an exposure margin on total premium
// turnover.
func MarginRequired(c *model.Candidate, quantity int64, feesTotal, slippageTotal float64, rates Rates) float64 {
	maxLoss := MaxLoss(c, quantity, feesTotal, slippageTotal)
	spanMargin := maxLoss * (1.0 + rates.MarginBufferPercent/100.0)

	totalPremium := (c.LongCallLower.Last + c.ShortCallHigher.Last + c.LongPutHigher.Last + c.ShortPutLower.Last) * float64(quantity)
	exposureMargin := totalPremium * (rates.ExposureMarginPercent / 100.0)

	return spanMargin + exposureMargin
}

// ROI is max profit as a percentage of margin required.
func ROI(maxProfit, marginRequired float64) float64 {
	if marginRequired <= 0 {
		return 0
	}
	return (maxProfit / marginRequired) * 100.0
}

// BreakEven is the synthetic, informational break-even: fees plus
// slippage. Box spreads have a fixed payoff at expiry so this is not
// a break-even in the traditional sense.
func BreakEven(feesTotal, slippageTotal float64) float64 {
	return feesTotal + slippageTotal
}

// ProfitabilityScore ranks candidates by ROI scaled by the log of the
// magnitude of the adjusted P/L, so a high-ROI, low-premium candidate
// doesn't rank above a high-ROI, high-notional one.
func ProfitabilityScore(roi, adjustedProfitLoss float64) float64 {
	return roi * math.Log(1+math.Abs(adjustedProfitLoss))
}

// Evaluate computes the full metrics set for c at quantity and writes
// it into c.Metrics.
func Evaluate(c *model.Candidate, quantity int64, feeRates boxpricing.FeeRates, riskRates Rates) {
	feesTotal := boxpricing.Fees(c, quantity, feeRates).Total()
	slippageTotal := boxpricing.Slippage(c, quantity, riskRates.WorstCaseSlippagePercent)

	maxLoss := MaxLoss(c, quantity, feesTotal, slippageTotal)
	maxProfit := MaxProfit(c, quantity, feesTotal, slippageTotal)
	margin := MarginRequired(c, quantity, feesTotal, slippageTotal, riskRates)
	roi := ROI(maxProfit, margin)
	breakEven := BreakEven(feesTotal, slippageTotal)
	adjustedPL := c.RawProfitLoss()*float64(quantity) - feesTotal - slippageTotal

	c.Quantity = quantity
	c.Metrics = model.CandidateMetrics{
		NetPremium:         c.NetPremium(),
		TheoreticalValue:   c.TheoreticalValue(),
		Slippage:           slippageTotal,
		Fees:               feesTotal,
		Margin:             margin,
		ROI:                roi,
		ProfitabilityScore: ProfitabilityScore(roi, adjustedPL),
		MaxLoss:            maxLoss,
		MaxProfit:          maxProfit,
		BreakEven:          breakEven,
		HasMispricing:      boxpricing.HasMispricing(c),
	}
}

// MeetsCriteria reports whether c (already Evaluate'd at quantity)
// clears the configured minimum ROI and maximum loss-as-percent-of-
// capital gates.
func MeetsCriteria(c *model.Candidate, availableCapital float64, rates Rates) bool {
	if availableCapital <= 0 {
		return false
	}
	maxLossPct := (c.Metrics.MaxLoss / availableCapital) * 100.0
	return c.Metrics.ROI >= rates.MinROIPercent && maxLossPct <= rates.MaxLossPercent
}

// MaxQuantity sizes the position: available capital divided by the
// per-unit margin requirement, scaled down by a safety factor, floored
// at 1.
func MaxQuantity(c *model.Candidate, availableCapital float64, feeRates boxpricing.FeeRates, riskRates Rates) int64 {
	unitFees := boxpricing.Fees(c, 1, feeRates).Total()
	unitSlippage := boxpricing.Slippage(c, 1, riskRates.WorstCaseSlippagePercent)
	marginPerUnit := MarginRequired(c, 1, unitFees, unitSlippage, riskRates)
	if marginPerUnit <= 0 {
		return 1
	}

	qty := int64(availableCapital / marginPerUnit)
	qty = int64(float64(qty) * riskRates.CapitalSafetyFactor)
	if qty < 1 {
		qty = 1
	}
	return qty
}
