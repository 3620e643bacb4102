package models

import "fmt"

// OrderType selects how fees and the maker/taker split are estimated.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// DefaultTakerRate applies when a fee tier carries no taker rate.
const DefaultTakerRate = 0.001

// FeeTier holds maker and taker rates as fractions (0.001 = 10 bps). A nil
// rate means the tier did not specify it.
type FeeTier struct {
	Maker *float64 `json:"maker,omitempty" yaml:"maker"`
	Taker *float64 `json:"taker,omitempty" yaml:"taker"`
}

// NewFeeTier builds a fully specified tier.
func NewFeeTier(maker, taker float64) FeeTier {
	return FeeTier{Maker: &maker, Taker: &taker}
}

// TakerRate returns the taker rate or DefaultTakerRate when unset.
func (f FeeTier) TakerRate() float64 {
	if f.Taker == nil {
		return DefaultTakerRate
	}
	return *f.Taker
}

// SimulationParameters drive every cost estimate. Values are replaced field by
// field from subscriber updates; there is no versioning.
type SimulationParameters struct {
	SpotAsset               string    `json:"spotAsset" yaml:"spot_asset"`
	OrderType               OrderType `json:"orderType" yaml:"order_type"`
	QuantityUSD             float64   `json:"quantityUSD" yaml:"quantity_usd"`
	VolatilityPct           float64   `json:"volatilityPct" yaml:"volatility_pct"`
	FeeTier                 FeeTier   `json:"feeTier" yaml:"fee_tier"`
	AverageDailyVolumeAsset float64   `json:"averageDailyVolumeAsset" yaml:"average_daily_volume_asset"`
}

// DefaultParameters mirrors the values the simulator starts with when the
// configuration does not override them.
func DefaultParameters() SimulationParameters {
	return SimulationParameters{
		SpotAsset:               "BTC-USDT-SWAP",
		OrderType:               OrderTypeMarket,
		QuantityUSD:             1000,
		VolatilityPct:           60,
		FeeTier:                 NewFeeTier(0.0008, 0.0010),
		AverageDailyVolumeAsset: 50000,
	}
}

// Validate checks the invariants of a parameter set loaded from configuration.
func (p SimulationParameters) Validate() error {
	switch p.OrderType {
	case OrderTypeMarket, OrderTypeLimit:
	default:
		return fmt.Errorf("order_type must be market or limit, got %q", p.OrderType)
	}
	if p.SpotAsset == "" {
		return fmt.Errorf("spot_asset is required")
	}
	if p.QuantityUSD <= 0 {
		return fmt.Errorf("quantity_usd must be greater than 0")
	}
	if p.VolatilityPct < 0 {
		return fmt.Errorf("volatility_pct must not be negative")
	}
	if p.AverageDailyVolumeAsset <= 0 {
		return fmt.Errorf("average_daily_volume_asset must be greater than 0")
	}
	return nil
}
