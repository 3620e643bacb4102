package state

import (
	"sync"
	"testing"
	"time"

	"tradesim/models"
)

func TestApplyBookUpdateReplacesWholesale(t *testing.T) {
	s := New(models.DefaultParameters())
	now := time.Now()

	book, params := s.ApplyBookUpdate(BookUpdate{
		Bids:              []models.Level{models.NewLevel("100", "3"), models.NewLevel("99", "1")},
		Asks:              []models.Level{models.NewLevel("100.5", "2")},
		ExchangeTimestamp: "1700000000000",
		HasTimestamp:      true,
		ReceivedAt:        now,
	})
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.Symbol != params.SpotAsset || book.Symbol != "BTC-USDT-SWAP" {
		t.Fatalf("symbol not taken from params: %q", book.Symbol)
	}

	book, _ = s.ApplyBookUpdate(BookUpdate{Bids: []models.Level{models.NewLevel("101", "1")}})
	if len(book.Bids) != 1 || len(book.Asks) != 0 {
		t.Fatalf("update did not replace both sides: %+v", book)
	}
	if book.Asks == nil {
		t.Fatal("missing side should be an empty slice")
	}
	if book.ExchangeTimestamp != "1700000000000" {
		t.Fatalf("timestamp lost: %q", book.ExchangeTimestamp)
	}

	// a timestamp without the flag is ignored
	book, _ = s.ApplyBookUpdate(BookUpdate{ExchangeTimestamp: "1", Asks: []models.Level{models.NewLevel("102", "1")}})
	if book.ExchangeTimestamp != "1700000000000" {
		t.Fatalf("unflagged timestamp applied: %q", book.ExchangeTimestamp)
	}
	book, _ = s.ApplyBookUpdate(BookUpdate{ExchangeTimestamp: "1700000000500", HasTimestamp: true})
	if book.ExchangeTimestamp != "1700000000500" {
		t.Fatalf("timestamp not replaced: %q", book.ExchangeTimestamp)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s := New(models.DefaultParameters())
	s.ApplyBookUpdate(BookUpdate{Bids: []models.Level{models.NewLevel("1", "1")}})

	b := s.Book()
	b.Bids[0] = models.NewLevel("9", "9")
	if p, _ := s.Book().Bids[0].Price(); p != 1 {
		t.Fatal("Book exposes internal slice")
	}

	p := s.Params()
	*p.FeeTier.Taker = 42
	if s.Params().FeeTier.TakerRate() == 42 {
		t.Fatal("Params exposes internal fee tier")
	}
}

func TestParameterSetters(t *testing.T) {
	s := New(models.DefaultParameters())
	s.SetQuantityUSD(2500)
	s.SetVolatilityPct(80)
	s.SetFeeTier(models.NewFeeTier(0.0005, 0.0007))

	p := s.Params()
	if p.QuantityUSD != 2500 || p.VolatilityPct != 80 || p.FeeTier.TakerRate() != 0.0007 || *p.FeeTier.Maker != 0.0005 {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestConcurrentFeeTierUpdatesAreNeverTorn(t *testing.T) {
	s := New(models.DefaultParameters())
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			m := float64(i)
			s.SetFeeTier(models.NewFeeTier(m, 2*m))
		}
	}()

	for i := 0; i < 2000; i++ {
		_, p := s.ApplyBookUpdate(BookUpdate{Bids: []models.Level{models.NewLevel("1", "1")}})
		if *p.FeeTier.Taker != 2*(*p.FeeTier.Maker) && *p.FeeTier.Maker != 0.0008 {
			close(stop)
			wg.Wait()
			t.Fatalf("torn fee tier: %+v / %+v", *p.FeeTier.Maker, *p.FeeTier.Taker)
		}
	}
	close(stop)
	wg.Wait()
}
