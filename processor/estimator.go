package processor

import (
	"math"

	"tradesim/models"
)

// The cost model below is an uncalibrated placeholder; its constants are part
// of the published output contract and must not be tuned here.
const (
	baseSlippageRate     = 0.0005
	depthSlippageRate    = 0.001
	degradedSlippageRate = 0.001

	impactCoefficient  = 0.5
	impactSizeExponent = 0.6
	maxRelativeSize    = 0.1
	tradingDaysPerYear = 252
)

// ExpectedSlippage estimates the USD cost of walking past the best ask.
func ExpectedSlippage(book models.OrderBook, assetQuantity, midPrice float64) float64 {
	if !book.Complete() || midPrice == 0 {
		return 0
	}
	bestAskQty, err := book.BestAskQuantity()
	if err != nil {
		return midPrice * degradedSlippageRate * assetQuantity
	}

	rate := baseSlippageRate
	if bestAskQty > 0 && assetQuantity > bestAskQty {
		rate += (assetQuantity / bestAskQty) * depthSlippageRate
	}
	return midPrice * rate * assetQuantity
}

// ExpectedFees charges the taker rate on market orders. Other order types are
// not modelled and cost nothing.
func ExpectedFees(quantityUSD float64, params models.SimulationParameters) float64 {
	if params.OrderType != models.OrderTypeMarket {
		return 0
	}
	return quantityUSD * params.FeeTier.TakerRate()
}

// MarketImpact applies a square-root style impact curve scaled by daily
// volatility and the order's share of average daily volume.
func MarketImpact(assetQuantity, quantityUSD, midPrice float64, params models.SimulationParameters) float64 {
	if midPrice == 0 || params.AverageDailyVolumeAsset == 0 {
		return 0
	}
	dailyVolatility := (params.VolatilityPct / 100) / math.Sqrt(tradingDaysPerYear)

	relativeSize := math.Max(0, assetQuantity) / params.AverageDailyVolumeAsset
	if relativeSize > maxRelativeSize {
		relativeSize = maxRelativeSize
	}

	impactPct := impactCoefficient * dailyVolatility * math.Pow(relativeSize, impactSizeExponent)
	return quantityUSD * math.Max(0, impactPct)
}

// MakerTakerSplit returns a full taker fill for market orders. Limit orders
// have no model yet and report 0/0.
func MakerTakerSplit(params models.SimulationParameters) models.MakerTaker {
	if params.OrderType == models.OrderTypeMarket {
		return models.MakerTaker{TakerPct: 100, MakerPct: 0}
	}
	return models.MakerTaker{}
}

// Estimate runs every cost component for one order.
func Estimate(book models.OrderBook, assetQuantity, midPrice float64, params models.SimulationParameters) models.CostEstimate {
	return models.CostEstimate{
		Slippage:   ExpectedSlippage(book, assetQuantity, midPrice),
		Fees:       ExpectedFees(params.QuantityUSD, params),
		Impact:     MarketImpact(assetQuantity, params.QuantityUSD, midPrice, params),
		MakerTaker: MakerTakerSplit(params),
	}
}
