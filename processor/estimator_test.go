package processor

import (
	"math"
	"testing"

	"tradesim/models"
)

func sampleBook() models.OrderBook {
	return models.OrderBook{
		Bids: []models.Level{models.NewLevel("100", "3")},
		Asks: []models.Level{models.NewLevel("100.5", "2")},
	}
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestExpectedSlippageWalksPastBestAsk(t *testing.T) {
	mid := 100.25
	qty := 1000 / mid
	got := ExpectedSlippage(sampleBook(), qty, mid)
	want := mid * (0.0005 + (qty/2)*0.001) * qty
	if !approx(got, want, 1e-9) {
		t.Fatalf("slippage = %v, want %v", got, want)
	}
	if !approx(got, 5.50, 0.02) {
		t.Fatalf("slippage = %v, want about 5.50", got)
	}
}

func TestExpectedSlippageWithinBestAsk(t *testing.T) {
	got := ExpectedSlippage(sampleBook(), 1, 100)
	if !approx(got, 100*0.0005, 1e-12) {
		t.Fatalf("slippage = %v", got)
	}
}

func TestExpectedSlippageZeroCases(t *testing.T) {
	book := sampleBook()
	if got := ExpectedSlippage(book, 5, 0); got != 0 {
		t.Fatalf("zero mid: slippage = %v", got)
	}
	book.Asks = nil
	if got := ExpectedSlippage(book, 5, 100); got != 0 {
		t.Fatalf("empty asks: slippage = %v", got)
	}
}

func TestExpectedSlippageUnreadableAskQuantity(t *testing.T) {
	book := sampleBook()
	book.Asks = []models.Level{models.NewLevel("100.5", "lots")}
	got := ExpectedSlippage(book, 4, 100)
	if !approx(got, 100*0.001*4, 1e-12) {
		t.Fatalf("slippage = %v", got)
	}
}

func TestExpectedFees(t *testing.T) {
	params := models.DefaultParameters()
	if got := ExpectedFees(1000, params); !approx(got, 1, 1e-12) {
		t.Fatalf("market fees = %v", got)
	}

	params.FeeTier = models.FeeTier{}
	if got := ExpectedFees(1000, params); !approx(got, 1000*models.DefaultTakerRate, 1e-12) {
		t.Fatalf("default taker fees = %v", got)
	}

	params.OrderType = models.OrderTypeLimit
	if got := ExpectedFees(1000, params); got != 0 {
		t.Fatalf("limit fees = %v", got)
	}
}

func TestMarketImpact(t *testing.T) {
	params := models.DefaultParameters()
	dailyVol := 0.6 / math.Sqrt(252)

	got := MarketImpact(10, 1000, 100, params)
	want := 1000 * 0.5 * dailyVol * math.Pow(10.0/50000, 0.6)
	if !approx(got, want, 1e-12) {
		t.Fatalf("impact = %v, want %v", got, want)
	}

	capped := MarketImpact(1e9, 1000, 100, params)
	wantCapped := 1000 * 0.5 * dailyVol * math.Pow(0.1, 0.6)
	if !approx(capped, wantCapped, 1e-12) {
		t.Fatalf("capped impact = %v, want %v", capped, wantCapped)
	}
}

func TestMarketImpactZeroCases(t *testing.T) {
	params := models.DefaultParameters()
	if got := MarketImpact(10, 1000, 0, params); got != 0 {
		t.Fatalf("zero mid: impact = %v", got)
	}
	if got := MarketImpact(-10, 1000, 100, params); got != 0 {
		t.Fatalf("negative quantity: impact = %v", got)
	}
	params.VolatilityPct = -5
	if got := MarketImpact(10, 1000, 100, params); got != 0 {
		t.Fatalf("negative volatility: impact = %v", got)
	}
	params.AverageDailyVolumeAsset = 0
	if got := MarketImpact(10, 1000, 100, params); got != 0 {
		t.Fatalf("zero ADV: impact = %v", got)
	}
}

func TestMakerTakerSplit(t *testing.T) {
	params := models.DefaultParameters()
	if got := MakerTakerSplit(params).String(); got != "Taker: 100%, Maker: 0%" {
		t.Fatalf("market split = %q", got)
	}
	params.OrderType = models.OrderTypeLimit
	if got := MakerTakerSplit(params).String(); got != "Taker: 0%, Maker: 0%" {
		t.Fatalf("limit split = %q", got)
	}
}

func TestEstimateNetCost(t *testing.T) {
	params := models.DefaultParameters()
	est := Estimate(sampleBook(), 1000/100.25, 100.25, params)
	sum := est.Slippage + est.Fees + est.Impact
	if est.NetCost() != sum {
		t.Fatalf("net cost = %v, want %v", est.NetCost(), sum)
	}
}
