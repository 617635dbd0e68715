package expiry

import (
	"context"
	"testing"
	"time"

	"trading-systemv1/internal/markethours"
	"trading-systemv1/internal/model"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func TestIsMonthly_LastThursdayOfMonth(t *testing.T) {
	// 2024-06-27 is the last Thursday of June 2024.
	d := time.Date(2024, time.June, 27, 0, 0, 0, 0, ist)
	if !IsMonthly(d) {
		t.Fatalf("expected %v to be monthly", d)
	}
	if IsWeekly(d) {
		t.Fatalf("monthly expiry must not also classify as weekly")
	}
}

func TestIsWeekly_NonLastThursday(t *testing.T) {
	// 2024-06-20 is a Thursday but not the last one in June 2024.
	d := time.Date(2024, time.June, 20, 0, 0, 0, 0, ist)
	if !IsWeekly(d) {
		t.Fatalf("expected %v to be weekly", d)
	}
	if IsMonthly(d) {
		t.Fatalf("weekly expiry must not also classify as monthly")
	}
}

func TestIsMonthly_NonThursdayIsNeither(t *testing.T) {
	// 2024-06-26 is a Wednesday.
	d := time.Date(2024, time.June, 26, 0, 0, 0, 0, ist)
	if IsMonthly(d) {
		t.Fatalf("%v is not a Thursday, should not be monthly", d)
	}
	if IsWeekly(d) {
		t.Fatalf("%v is not a Thursday, should not be weekly", d)
	}
}

type fakeStore struct {
	instruments []model.Instrument
}

func (f *fakeStore) ByExchange(ctx context.Context, exchange string) ([]model.Instrument, error) {
	var out []model.Instrument
	for _, inst := range f.instruments {
		if inst.Exchange == exchange {
			out = append(out, inst)
		}
	}
	return out, nil
}

func optionInstrument(symbol, underlying string, expiry time.Time) model.Instrument {
	return model.Instrument{
		Token:    1,
		Symbol:   symbol,
		Exchange: "NFO",
		Kind:     model.KindOption,
		Option: &model.OptionDetails{
			Underlying: underlying,
			Strike:     20000,
			OptionKind: model.OptionCall,
			Expiry:     expiry,
		},
	}
}

func TestClassifier_Expiries_SplitsWeeklyAndMonthly(t *testing.T) {
	weeklyExp := time.Now().In(ist).AddDate(0, 0, 7)
	for weeklyExp.Weekday() != time.Thursday || IsMonthly(weeklyExp) || markethours.IsHoliday(weeklyExp) {
		weeklyExp = weeklyExp.AddDate(0, 0, 1)
	}
	monthlyExp := weeklyExp
	for !IsMonthly(monthlyExp) || markethours.IsHoliday(monthlyExp) {
		monthlyExp = monthlyExp.AddDate(0, 0, 7)
	}

	store := &fakeStore{instruments: []model.Instrument{
		optionInstrument("NIFTY24JUNCE20000", "NIFTY", weeklyExp),
		optionInstrument("NIFTY24JUNCE20100", "NIFTY", monthlyExp),
		optionInstrument("BANKNIFTY24JUNCE45000", "BANKNIFTY", weeklyExp),
	}}

	c := New(store, ist)
	weekly, monthly, err := c.Expiries(context.Background(), "NIFTY", "NFO", true, true)
	if err != nil {
		t.Fatalf("expiries: %v", err)
	}
	if len(weekly) != 1 || !weekly[0].Equal(truncateToDay(weeklyExp, ist)) {
		t.Fatalf("expected one weekly expiry %v, got %v", weeklyExp, weekly)
	}
	if len(monthly) != 1 || !monthly[0].Equal(truncateToDay(monthlyExp, ist)) {
		t.Fatalf("expected one monthly expiry %v, got %v", monthlyExp, monthly)
	}
}

func truncateToDay(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func TestClassifier_Filter_CachesResult(t *testing.T) {
	exp := time.Now().In(ist).AddDate(0, 0, 14)
	for exp.Weekday() != time.Thursday {
		exp = exp.AddDate(0, 0, 1)
	}
	store := &fakeStore{instruments: []model.Instrument{
		optionInstrument("NIFTY24JUNCE20000", "NIFTY", exp),
	}}
	c := New(store, ist)

	first, err := c.Filter(context.Background(), "NIFTY", "NFO", true, true, 0, 60, 10)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}

	// Mutate the backing store; a cached Filter call must not see it.
	store.instruments = nil

	second, err := c.Filter(context.Background(), "NIFTY", "NFO", true, true, 0, 60, 10)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("expected cached result %v, got %v", first, second)
	}
}

func TestClassifier_Filter_RespectsMaxCount(t *testing.T) {
	base := time.Now().In(ist)
	var instruments []model.Instrument
	d := base.AddDate(0, 0, 7)
	for i := 0; i < 6; i++ {
		for d.Weekday() != time.Thursday {
			d = d.AddDate(0, 0, 1)
		}
		instruments = append(instruments, optionInstrument("NIFTYCE", "NIFTY", d))
		d = d.AddDate(0, 0, 7)
	}
	store := &fakeStore{instruments: instruments}
	c := New(store, ist)

	got, err := c.Filter(context.Background(), "NIFTY", "NFO", true, true, 0, 365, 2)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected maxCount=2 to truncate result, got %d", len(got))
	}
}
