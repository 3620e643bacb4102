package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrMalformedBook is returned when a price level cannot be read as a number.
var ErrMalformedBook = errors.New("malformed order book")

// Level is a single price level as received from the exchange. OKX sends
// [price, size, liquidated, orders]; values may be JSON strings or numbers.
// The raw tokens are kept so the level can be relayed in the received form.
type Level []json.RawMessage

// UnmarshalJSON accepts any JSON value. Non-array values decode to an empty
// level so that one bad level surfaces as ErrMalformedBook at read time
// instead of failing the whole frame.
func (l *Level) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		*l = Level{}
		return nil
	}
	*l = parts
	return nil
}

// MarshalJSON emits the price/quantity pair only.
func (l Level) MarshalJSON() ([]byte, error) {
	parts := l
	if len(parts) > 2 {
		parts = parts[:2]
	}
	if parts == nil {
		parts = Level{}
	}
	return json.Marshal([]json.RawMessage(parts))
}

// Price parses the first element of the level.
func (l Level) Price() (float64, error) {
	if len(l) < 1 {
		return 0, fmt.Errorf("%w: level has no price", ErrMalformedBook)
	}
	return parseNumber(l[0])
}

// Quantity parses the second element of the level.
func (l Level) Quantity() (float64, error) {
	if len(l) < 2 {
		return 0, fmt.Errorf("%w: level has no quantity", ErrMalformedBook)
	}
	return parseNumber(l[1])
}

// NewLevel builds a level with string-encoded price and quantity, as OKX
// sends them.
func NewLevel(price, quantity string) Level {
	return Level{json.RawMessage(strconv.Quote(price)), json.RawMessage(strconv.Quote(quantity))}
}

func parseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedBook, err)
		}
		text = s
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedBook, text)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrMalformedBook, text)
	}
	return v, nil
}

// OrderBook is the latest level-2 snapshot of one symbol. Bids are best-first
// descending and asks best-first ascending; the order is trusted as received.
type OrderBook struct {
	Symbol            string
	Bids              []Level
	Asks              []Level
	ExchangeTimestamp string
	ReceivedAt        time.Time
}

// Complete reports whether both sides carry at least one level.
func (b OrderBook) Complete() bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

// Empty reports whether both sides are empty.
func (b OrderBook) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

func (b OrderBook) BestBid() (float64, error) {
	if len(b.Bids) == 0 {
		return 0, fmt.Errorf("%w: no bids", ErrMalformedBook)
	}
	return b.Bids[0].Price()
}

func (b OrderBook) BestAsk() (float64, error) {
	if len(b.Asks) == 0 {
		return 0, fmt.Errorf("%w: no asks", ErrMalformedBook)
	}
	return b.Asks[0].Price()
}

// BestAskQuantity returns the size resting at the best ask.
func (b OrderBook) BestAskQuantity() (float64, error) {
	if len(b.Asks) == 0 {
		return 0, fmt.Errorf("%w: no asks", ErrMalformedBook)
	}
	return b.Asks[0].Quantity()
}

// Clone returns a copy whose level slices are not shared with b.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]Level(nil), b.Bids...)
	out.Asks = append([]Level(nil), b.Asks...)
	return out
}

// Top returns at most n leading levels.
func Top(levels []Level, n int) []Level {
	if len(levels) <= n {
		return append([]Level(nil), levels...)
	}
	return append([]Level(nil), levels[:n]...)
}
