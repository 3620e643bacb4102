package processor

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/models"
)

// TopLevels is the book depth relayed to subscribers.
const TopLevels = 5

// NotAvailable is reported as lastUpdate when the exchange timestamp is
// missing or unreadable.
const NotAvailable = "N/A"

var (
	ErrIncompleteBook = errors.New("order book has an empty side")
	ErrZeroMidPrice   = errors.New("mid price is zero")
)

// Quote is the top-of-book derived from a snapshot.
type Quote struct {
	BestBid  float64
	BestAsk  float64
	MidPrice float64
}

// QuoteFromBook reads best bid/ask and computes the mid price. A book with an
// empty side, an unreadable best level or a zero mid is rejected.
func QuoteFromBook(book models.OrderBook) (Quote, error) {
	if !book.Complete() {
		return Quote{}, ErrIncompleteBook
	}
	bid, err := book.BestBid()
	if err != nil {
		return Quote{}, fmt.Errorf("best bid: %w", err)
	}
	ask, err := book.BestAsk()
	if err != nil {
		return Quote{}, fmt.Errorf("best ask: %w", err)
	}
	mid := (bid + ask) / 2
	if mid == 0 {
		return Quote{}, ErrZeroMidPrice
	}
	return Quote{BestBid: bid, BestAsk: ask, MidPrice: mid}, nil
}

// BuildResult runs one compute cycle over a consistent book/parameter
// snapshot. receivedAt marks when the triggering frame arrived and is the
// start of the reported internal latency.
func BuildResult(book models.OrderBook, params models.SimulationParameters, receivedAt time.Time) (models.ResultRecord, error) {
	quote, err := QuoteFromBook(book)
	if err != nil {
		return models.ResultRecord{}, err
	}

	assetQuantity := params.QuantityUSD / quote.MidPrice
	est := Estimate(book, assetQuantity, quote.MidPrice, params)
	lastUpdate, _ := FormatExchangeTimestamp(book.ExchangeTimestamp)

	latency := time.Since(receivedAt)
	return models.ResultRecord{
		BestBid:          quote.BestBid,
		BestAsk:          quote.BestAsk,
		MidPrice:         round2(quote.MidPrice),
		ExpectedSlippage: round2(est.Slippage),
		ExpectedFees:     round2(est.Fees),
		MarketImpact:     round2(est.Impact),
		NetCost:          round2(est.NetCost()),
		MakerTaker:       est.MakerTaker.String(),
		InternalLatency:  round2(float64(latency.Nanoseconds()) / 1e6),
		LastUpdate:       lastUpdate,
		Asks:             models.Top(book.Asks, TopLevels),
		Bids:             models.Top(book.Bids, TopLevels),
	}, nil
}

// FormatExchangeTimestamp renders a millisecond epoch as ISO-8601 UTC with a
// trailing Z. Whole seconds carry no fraction, anything else carries
// microseconds. Empty or unparsable input yields NotAvailable and, for the
// latter, an error describing why.
func FormatExchangeTimestamp(ts string) (string, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return NotAvailable, nil
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return NotAvailable, fmt.Errorf("exchange timestamp %q: %w", ts, err)
	}
	t := time.UnixMilli(ms).UTC()
	if ms%1000 == 0 {
		return t.Format("2006-01-02T15:04:05") + "Z", nil
	}
	return t.Format("2006-01-02T15:04:05.000000") + "Z", nil
}

// round2 rounds the exact binary value of v to two decimals, ties to even:
// 0.125 becomes 0.12 and 2.675, stored as 2.67499..., becomes 2.67.
func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	exact, err := decimal.NewFromString(new(big.Rat).SetFloat64(v).FloatString(40))
	if err != nil {
		return v
	}
	return exact.RoundBank(2).InexactFloat64()
}
