package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the ledger schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			currency TEXT NOT NULL,
			trade_date DATE NOT NULL,
			price NUMERIC(19,3) NOT NULL,
			value NUMERIC(19,3) NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_ticker ON orders(ticker);
		CREATE INDEX IF NOT EXISTS idx_orders_trade_date ON orders(trade_date);

		CREATE TABLE IF NOT EXISTS positions (
			ticker TEXT PRIMARY KEY,
			quantity BIGINT NOT NULL,
			currency TEXT NOT NULL,
			avg_cost NUMERIC(19,3) NOT NULL,
			cost_basis NUMERIC(19,3) NOT NULL,
			market_price NUMERIC(19,3) NOT NULL,
			market_value NUMERIC(19,3) NOT NULL,
			unrealized_pl NUMERIC(19,3) NOT NULL,
			unrealized_pl_pct NUMERIC(19,6) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		)`)
	return err
}

const positionColumns = `ticker, quantity, currency,
	avg_cost::TEXT, cost_basis::TEXT, market_price::TEXT, market_value::TEXT,
	unrealized_pl::TEXT, unrealized_pl_pct::TEXT, opened_at, updated_at, version`

func (s *PostgresStore) GetPosition(ctx context.Context, ticker string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE ticker = $1`, ticker)

	p, err := scanPgPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	return p, err
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) PutPosition(ctx context.Context, p *model.Position) error {
	if p.Version == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO positions (ticker, quantity, currency, avg_cost, cost_basis,
			   market_price, market_value, unrealized_pl, unrealized_pl_pct,
			   opened_at, updated_at, version)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			   $8::NUMERIC, $9::NUMERIC, $10, $11, 1)`,
			p.Ticker, p.Quantity, p.Currency,
			p.AvgCost.String(), p.CostBasis.String(),
			p.MarketPrice.String(), p.MarketValue.String(),
			p.UnrealizedPL.String(), p.UnrealizedPLPct.String(),
			p.OpenedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVersionConflict, p.Ticker, err)
		}
		p.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET quantity = $2, currency = $3, avg_cost = $4::NUMERIC, cost_basis = $5::NUMERIC,
		     market_price = $6::NUMERIC, market_value = $7::NUMERIC,
		     unrealized_pl = $8::NUMERIC, unrealized_pl_pct = $9::NUMERIC,
		     updated_at = $10, version = version + 1
		 WHERE ticker = $1 AND version = $11`,
		p.Ticker, p.Quantity, p.Currency,
		p.AvgCost.String(), p.CostBasis.String(),
		p.MarketPrice.String(), p.MarketValue.String(),
		p.UnrealizedPL.String(), p.UnrealizedPLPct.String(),
		p.UpdatedAt, p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at v%d", ErrVersionConflict, p.Ticker, p.Version)
	}
	p.Version++
	return nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, ticker string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE ticker = $1 AND version = $2`, ticker, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at v%d", ErrVersionConflict, ticker, version)
	}
	return nil
}

func (s *PostgresStore) AppendOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, ticker, side, quantity, currency, trade_date, price, value, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		o.ID, o.Ticker, o.Side, o.Quantity, o.Currency,
		o.TradeDate, o.Price.String(), o.Value.String(), o.RecordedAt,
	)
	return err
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, side, quantity, currency, trade_date,
		        price::TEXT, value::TEXT, recorded_at
		 FROM orders ORDER BY trade_date, recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var priceS, valueS string

		if err := rows.Scan(&o.ID, &o.Ticker, &o.Side, &o.Quantity, &o.Currency,
			&o.TradeDate, &priceS, &valueS, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Price, _ = decimal.NewFromString(priceS)
		o.Value, _ = decimal.NewFromString(valueS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanPgPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var avgCost, costBasis, marketPrice, marketValue, pl, plPct string

	if err := row.Scan(&p.Ticker, &p.Quantity, &p.Currency,
		&avgCost, &costBasis, &marketPrice, &marketValue, &pl, &plPct,
		&p.OpenedAt, &p.UpdatedAt, &p.Version); err != nil {
		return nil, err
	}

	p.AvgCost, _ = decimal.NewFromString(avgCost)
	p.CostBasis, _ = decimal.NewFromString(costBasis)
	p.MarketPrice, _ = decimal.NewFromString(marketPrice)
	p.MarketValue, _ = decimal.NewFromString(marketValue)
	p.UnrealizedPL, _ = decimal.NewFromString(pl)
	p.UnrealizedPLPct, _ = decimal.NewFromString(plPct)
	return &p, nil
}
