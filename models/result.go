package models

import "fmt"

// MakerTaker is the estimated split of an order between resting and
// liquidity-taking fills, in percent.
type MakerTaker struct {
	TakerPct float64
	MakerPct float64
}

// String renders the split the way subscribers display it.
func (m MakerTaker) String() string {
	return fmt.Sprintf("Taker: %.0f%%, Maker: %.0f%%", m.TakerPct, m.MakerPct)
}

// CostEstimate is the output of one estimator run, unrounded.
type CostEstimate struct {
	Slippage   float64
	Fees       float64
	Impact     float64
	MakerTaker MakerTaker
}

// NetCost is the sum of slippage, fees and impact.
func (c CostEstimate) NetCost() float64 {
	return c.Slippage + c.Fees + c.Impact
}

// ResultRecord is the immutable payload broadcast to subscribers after each
// computed tick.
type ResultRecord struct {
	BestBid          float64 `json:"bestBid"`
	BestAsk          float64 `json:"bestAsk"`
	MidPrice         float64 `json:"midPrice"`
	ExpectedSlippage float64 `json:"expectedSlippage"`
	ExpectedFees     float64 `json:"expectedFees"`
	MarketImpact     float64 `json:"marketImpact"`
	NetCost          float64 `json:"netCost"`
	MakerTaker       string  `json:"makerTaker"`
	InternalLatency  float64 `json:"internalLatency"`
	LastUpdate       string  `json:"lastUpdate"`
	Asks             []Level `json:"asks"`
	Bids             []Level `json:"bids"`
}
