// Package state holds the mutable state shared by the feed reader and the
// subscriber gateway: the latest order book and the simulation parameters.
package state

import (
	"sync"
	"time"

	"tradesim/models"
)

// BookUpdate carries the sides of one feed update. Both sides replace the
// current book wholesale. ExchangeTimestamp is only applied when
// HasTimestamp is set; otherwise the previous one is kept.
type BookUpdate struct {
	Bids              []models.Level
	Asks              []models.Level
	ExchangeTimestamp string
	HasTimestamp      bool
	ReceivedAt        time.Time
}

// SharedState guards the order book and parameters with one lock so that a
// compute cycle always reads a consistent pair.
type SharedState struct {
	mu     sync.RWMutex
	book   models.OrderBook
	params models.SimulationParameters
}

func New(params models.SimulationParameters) *SharedState {
	return &SharedState{params: cloneParams(params)}
}

// ApplyBookUpdate replaces the book and returns snapshots of the new book and
// of the parameters as they were at that instant.
func (s *SharedState) ApplyBookUpdate(u BookUpdate) (models.OrderBook, models.SimulationParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bids := u.Bids
	if bids == nil {
		bids = []models.Level{}
	}
	asks := u.Asks
	if asks == nil {
		asks = []models.Level{}
	}
	s.book.Bids = bids
	s.book.Asks = asks
	if u.HasTimestamp {
		s.book.ExchangeTimestamp = u.ExchangeTimestamp
	}
	s.book.ReceivedAt = u.ReceivedAt
	s.book.Symbol = s.params.SpotAsset

	return s.book.Clone(), cloneParams(s.params)
}

// Book returns a copy of the latest order book.
func (s *SharedState) Book() models.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Clone()
}

// Params returns a copy of the current simulation parameters.
func (s *SharedState) Params() models.SimulationParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneParams(s.params)
}

func (s *SharedState) SetQuantityUSD(v float64) {
	s.mu.Lock()
	s.params.QuantityUSD = v
	s.mu.Unlock()
}

func (s *SharedState) SetVolatilityPct(v float64) {
	s.mu.Lock()
	s.params.VolatilityPct = v
	s.mu.Unlock()
}

// SetFeeTier replaces both rates at once.
func (s *SharedState) SetFeeTier(tier models.FeeTier) {
	tier = cloneFeeTier(tier)
	s.mu.Lock()
	s.params.FeeTier = tier
	s.mu.Unlock()
}

func cloneParams(p models.SimulationParameters) models.SimulationParameters {
	p.FeeTier = cloneFeeTier(p.FeeTier)
	return p
}

func cloneFeeTier(f models.FeeTier) models.FeeTier {
	var out models.FeeTier
	if f.Maker != nil {
		m := *f.Maker
		out.Maker = &m
	}
	if f.Taker != nil {
		t := *f.Taker
		out.Taker = &t
	}
	return out
}
