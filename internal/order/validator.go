// Package order normalizes and rejects malformed trade requests before they
// reach the position accountant. Validation is pure: it reads only the
// provided inputs plus the caller-supplied clock.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

var (
	// ErrInvalidTicker is returned when the ticker is empty after trimming.
	ErrInvalidTicker = errors.New("order: ticker symbol must not be empty")

	// ErrInvalidSide is returned when the side is neither BUY nor SELL.
	ErrInvalidSide = errors.New("order: side must be BUY or SELL")

	// ErrInvalidQuantity is returned when the quantity is not a positive integer.
	ErrInvalidQuantity = errors.New("order: quantity must be a positive integer")

	// ErrInvalidPrice is returned when a provided price is negative.
	ErrInvalidPrice = errors.New("order: price must be non-negative")

	// ErrInvalidDate is returned when the trade date is unparseable or in the future.
	ErrInvalidDate = errors.New("order: invalid trade date")
)

// DefaultCurrency is assumed when a request omits the currency code.
const DefaultCurrency = "USD"

// Request is the raw trade submission as received from the API.
// Price and TradeDate are optional; Currency defaults to USD.
type Request struct {
	Ticker    string           `json:"ticker"`
	Side      string           `json:"side"`
	Quantity  int64            `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	TradeDate string           `json:"trade_date,omitempty"` // YYYY-MM-DD
	Currency  string           `json:"currency,omitempty"`
}

// Draft is a normalized order awaiting execution. HasPrice reports whether
// the submitter supplied a price; when false the accountant fills it from
// the price oracle.
type Draft struct {
	Ticker    string
	Side      string
	Quantity  int64
	Currency  string
	TradeDate time.Time
	Price     decimal.Decimal
	HasPrice  bool
}

// Validate normalizes a raw request into a Draft or fails with one of the
// sentinel errors above. now supplies the current-date read used for
// defaulting and future-date rejection.
func Validate(req Request, now time.Time) (Draft, error) {
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		return Draft{}, ErrInvalidTicker
	}

	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != model.SideBuy && side != model.SideSell {
		return Draft{}, fmt.Errorf("%w: got %q", ErrInvalidSide, req.Side)
	}

	if req.Quantity <= 0 {
		return Draft{}, fmt.Errorf("%w: got %d", ErrInvalidQuantity, req.Quantity)
	}

	draft := Draft{
		Ticker:   ticker,
		Side:     side,
		Quantity: req.Quantity,
		Currency: DefaultCurrency,
	}

	if cur := strings.ToUpper(strings.TrimSpace(req.Currency)); cur != "" {
		draft.Currency = cur
	}

	if req.Price != nil {
		if req.Price.IsNegative() {
			return Draft{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, req.Price)
		}
		draft.Price = *req.Price
		draft.HasPrice = true
	}

	tradeDate, err := parseTradeDate(req.TradeDate, now)
	if err != nil {
		return Draft{}, err
	}
	draft.TradeDate = tradeDate

	return draft, nil
}

// parseTradeDate resolves an optional YYYY-MM-DD trade date against now,
// defaulting to today and rejecting dates strictly in the future.
func parseTradeDate(raw string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}

	parsed, err := time.ParseInLocation(model.TradeDateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected %s)", ErrInvalidDate, raw, model.TradeDateLayout)
	}
	if parsed.After(now) {
		return time.Time{}, fmt.Errorf("%w: future date %q", ErrInvalidDate, raw)
	}
	return parsed, nil
}
