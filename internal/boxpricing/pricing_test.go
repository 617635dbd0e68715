package boxpricing

import (
	"math"
	"testing"
	"time"

	"trading-systemv1/internal/model"
)

func sampleCandidate() *model.Candidate {
	return &model.Candidate{
		ID:           "NIFTY|NFO|20000.00|20100.00|2024-06-27",
		Underlying:   "NIFTY",
		Exchange:     "NFO",
		LowerStrike:  20000,
		HigherStrike: 20100,
		Expiry:       time.Date(2024, time.June, 27, 0, 0, 0, 0, time.UTC),
		LongCallLower: model.Instrument{
			Snapshot: model.Snapshot{
				Last: 150,
				SellDepth: []model.DepthLevel{
					{Price: 150.5, Quantity: 50},
					{Price: 151, Quantity: 50},
				},
			},
		},
		ShortCallHigher: model.Instrument{
			Snapshot: model.Snapshot{
				Last: 80,
				BuyDepth: []model.DepthLevel{
					{Price: 79.5, Quantity: 50},
					{Price: 79, Quantity: 50},
				},
			},
		},
		LongPutHigher: model.Instrument{
			Snapshot: model.Snapshot{
				Last: 60,
				SellDepth: []model.DepthLevel{
					{Price: 60.5, Quantity: 50},
					{Price: 61, Quantity: 50},
				},
			},
		},
		ShortPutLower: model.Instrument{
			Snapshot: model.Snapshot{
				Last: 30,
				BuyDepth: []model.DepthLevel{
					{Price: 29.5, Quantity: 50},
					{Price: 29, Quantity: 50},
				},
			},
		},
	}
}

func TestHasMispricing_DetectsDivergence(t *testing.T) {
	c := sampleCandidate()
	// theoretical = 100, net premium = -150+80-60+30 = -100, diff=200 > tolerance
	if !HasMispricing(c) {
		t.Fatal("expected mispricing to be detected")
	}
}

func TestHasMispricing_WithinTolerance(t *testing.T) {
	c := sampleCandidate()
	c.LongCallLower.Last = 100
	c.ShortCallHigher.Last = 0
	c.LongPutHigher.Last = 0
	c.ShortPutLower.Last = 0
	// netPremium = -100, theoretical = 100, diff = 200, still mispriced;
	// construct an exact match instead.
	c.LongCallLower.Last = 0
	c.ShortCallHigher.Last = 100
	c.LongPutHigher.Last = 0
	c.ShortPutLower.Last = 0
	if HasMispricing(c) {
		t.Fatalf("expected net premium %v to match theoretical %v within tolerance", c.NetPremium(), c.TheoreticalValue())
	}
}

func TestSlippage_FullFillUsesVWAP(t *testing.T) {
	c := sampleCandidate()
	got := Slippage(c, 50, DefaultWorstCaseSlippagePercent)
	if got == 0 {
		t.Fatal("expected nonzero slippage for a filled ladder")
	}
}

func TestSlippage_ExhaustedLadderFallsBackToWorstCase(t *testing.T) {
	c := sampleCandidate()
	got := Slippage(c, 500, DefaultWorstCaseSlippagePercent) // ladders only have 100 total depth per leg
	want := (c.LongCallLower.Last + c.ShortCallHigher.Last + c.LongPutHigher.Last + c.ShortPutLower.Last) * 500 * (DefaultWorstCaseSlippagePercent / 100.0)
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("expected worst-case slippage %v, got %v", want, got)
	}
}

func TestSlippage_NoDepthFallsBackToWorstCase(t *testing.T) {
	c := sampleCandidate()
	c.LongCallLower.SellDepth = nil
	got := legSlippage(c.LongCallLower, 50, sideBuy, DefaultWorstCaseSlippagePercent)
	want := c.LongCallLower.Last * 50 * (DefaultWorstCaseSlippagePercent / 100.0)
	if math.Abs(got-want) > 0.0001 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFees_MatchesStatutoryDefaults(t *testing.T) {
	c := sampleCandidate()
	rates := DefaultFeeRates()
	fees := Fees(c, 50, rates)

	turnover := (150.0 + 80 + 60 + 30) * 50
	wantBrokerage := math.Min(turnover*(0.03/100.0), 20.0*4)
	if math.Abs(fees.Brokerage-wantBrokerage) > 0.01 {
		t.Fatalf("brokerage: want %v got %v", wantBrokerage, fees.Brokerage)
	}

	wantSTT := (80.0 + 30) * 50 * (0.05 / 100.0)
	if math.Abs(fees.STT-wantSTT) > 0.01 {
		t.Fatalf("stt: want %v got %v", wantSTT, fees.STT)
	}

	wantStampDuty := (150.0 + 60) * 50 * (0.003 / 100.0)
	if math.Abs(fees.StampDuty-wantStampDuty) > 0.01 {
		t.Fatalf("stamp duty: want %v got %v", wantStampDuty, fees.StampDuty)
	}

	if fees.Total() <= 0 {
		t.Fatal("expected positive total fees")
	}
}
