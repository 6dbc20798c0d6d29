// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Persisted precision: monetary fields carry 3 decimal places,
// P&L percentages 6 (stored as a fraction, not a percentage).
const (
	MoneyScale int32 = 3
	PctScale   int32 = 6
)

// TradeDateLayout is the calendar-date format accepted for order trade dates.
const TradeDateLayout = "2006-01-02"

// Order is an immutable record of a single executed trade.
// Once appended to the ledger, orders are never modified or deleted.
type Order struct {
	ID         string          `json:"id" db:"id"`
	Ticker     string          `json:"ticker" db:"ticker"`
	Side       string          `json:"side" db:"side"` // "BUY" or "SELL"
	Quantity   int64           `json:"quantity" db:"quantity"`
	Currency   string          `json:"currency" db:"currency"`
	TradeDate  time.Time       `json:"trade_date" db:"trade_date"` // calendar date, midnight UTC
	Price      decimal.Decimal `json:"price" db:"price"`           // per-unit execution price
	Value      decimal.Decimal `json:"value" db:"value"`           // quantity × price
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// Position is the mutable aggregate holding for one ticker. A position with
// zero quantity is deleted from the store, never retained as a zero row.
type Position struct {
	Ticker          string          `json:"ticker" db:"ticker"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	Currency        string          `json:"currency" db:"currency"`
	AvgCost         decimal.Decimal `json:"avg_cost" db:"avg_cost"`     // weighted-average unit cost
	CostBasis       decimal.Decimal `json:"cost_basis" db:"cost_basis"` // quantity × avg_cost
	MarketPrice     decimal.Decimal `json:"market_price" db:"market_price"`
	MarketValue     decimal.Decimal `json:"market_value" db:"market_value"`
	UnrealizedPL    decimal.Decimal `json:"unrealized_pl" db:"unrealized_pl"`
	UnrealizedPLPct decimal.Decimal `json:"unrealized_pl_pct" db:"unrealized_pl_pct"` // fraction, 6dp
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`                 // first BUY, immutable
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	Version         int64           `json:"version" db:"version"` // optimistic-concurrency token
}

// Revalue recomputes the market-derived fields against the given unit price,
// leaving quantity and cost basis untouched. P&L percentage is defined as
// (market_value / cost_basis) − 1 and reports 0 when the cost basis is zero.
func (p *Position) Revalue(price decimal.Decimal, at time.Time) {
	qty := decimal.NewFromInt(p.Quantity)
	p.MarketPrice = price.Round(MoneyScale)
	p.MarketValue = qty.Mul(price).Round(MoneyScale)
	p.UnrealizedPL = p.MarketValue.Sub(p.CostBasis).Round(MoneyScale)
	p.UnrealizedPLPct = PLPct(p.MarketValue, p.CostBasis)
	p.UpdatedAt = at
}

// PLPct computes (value / basis) − 1 rounded to PctScale, guarding the
// zero-basis case.
func PLPct(value, basis decimal.Decimal) decimal.Decimal {
	if basis.IsZero() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return value.Div(basis).Sub(one).Round(PctScale)
}
