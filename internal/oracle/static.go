package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves fixed prices from memory. Used for testing and for
// development without a price service (counterpart of the in-memory store).
type Static struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	history map[string]Series
	fail    map[string]bool
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{
		prices:  make(map[string]decimal.Decimal),
		history: make(map[string]Series),
		fail:    make(map[string]bool),
	}
}

// SetPrice sets the latest price served for a ticker.
func (s *Static) SetPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
	delete(s.fail, ticker)
}

// SetHistory sets the historical close series served for a ticker.
func (s *Static) SetHistory(ticker string, series Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ticker] = series
}

// FailTicker makes subsequent lookups for a ticker return ErrPriceUnavailable.
func (s *Static) FailTicker(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[ticker] = true
}

func (s *Static) LatestPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail[ticker] {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, ticker)
	}
	price, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, ticker)
	}
	return price, nil
}

func (s *Static) HistoricalPrices(_ context.Context, tickers []string, _, _ string) (map[string]Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Series, len(tickers))
	for _, t := range tickers {
		if s.fail[t] {
			return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, t)
		}
		if series, ok := s.history[t]; ok {
			out[t] = series
		}
	}
	return out, nil
}
