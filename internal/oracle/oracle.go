// Package oracle provides market price lookups for the portfolio engine.
// The engine treats pricing as an external collaborator: the HTTP Client
// talks to a price service, while Static serves fixed prices for tests
// and development.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no price can be obtained for a
// ticker, after bounded retries. Callers surface it rather than guessing.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Point is one close price observation. Close is float64 because the
// historical series feeds return statistics, not monetary bookkeeping.
type Point struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Series is a date-ascending sequence of close prices for one ticker.
type Series []Point

// Source answers current and historical price queries.
type Source interface {
	// LatestPrice returns the most recent per-unit price for a ticker.
	LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error)

	// HistoricalPrices returns close-price series per ticker over a lookback
	// period ("10y", "1y", "ytd") at the given sampling interval ("1d", "1mo").
	HistoricalPrices(ctx context.Context, tickers []string, period, interval string) (map[string]Series, error)
}

// Returns converts a close-price series into periodic percentage returns.
// A series of n points yields n−1 returns; observations with a zero prior
// close are skipped.
func (s Series) Returns() []float64 {
	if len(s) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		prev := s[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, s[i].Close/prev-1)
	}
	return returns
}
