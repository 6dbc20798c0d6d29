package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

// SqliteStore implements Store on a local SQLite file, for single-node
// deployments. Monetary columns are stored as TEXT and round-tripped
// through shopspring/decimal so no float precision is lost.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (or creates) the database at path and applies the
// schema. The connection pool is capped at one writer, which is what
// SQLite supports anyway.
func NewSqliteStore(path string) (*SqliteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SqliteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SqliteStore) Close() error { return s.db.Close() }

func (s *SqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  ticker TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  currency TEXT NOT NULL,
  trade_date TEXT NOT NULL,
  price TEXT NOT NULL,
  value TEXT NOT NULL,
  recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_ticker ON orders(ticker);
CREATE INDEX IF NOT EXISTS idx_orders_trade_date ON orders(trade_date);

CREATE TABLE IF NOT EXISTS positions (
  ticker TEXT PRIMARY KEY,
  quantity INTEGER NOT NULL,
  currency TEXT NOT NULL,
  avg_cost TEXT NOT NULL,
  cost_basis TEXT NOT NULL,
  market_price TEXT NOT NULL,
  market_value TEXT NOT NULL,
  unrealized_pl TEXT NOT NULL,
  unrealized_pl_pct TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  version INTEGER NOT NULL
);
`)
	return err
}

func (s *SqliteStore) GetPosition(ctx context.Context, ticker string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticker, quantity, currency, avg_cost, cost_basis, market_price,
		       market_value, unrealized_pl, unrealized_pl_pct, opened_at, updated_at, version
		FROM positions WHERE ticker = ?`, ticker)

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	return p, err
}

func (s *SqliteStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, quantity, currency, avg_cost, cost_basis, market_price,
		       market_value, unrealized_pl, unrealized_pl_pct, opened_at, updated_at, version
		FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SqliteStore) PutPosition(ctx context.Context, p *model.Position) error {
	if p.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO positions (ticker, quantity, currency, avg_cost, cost_basis,
			  market_price, market_value, unrealized_pl, unrealized_pl_pct,
			  opened_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			p.Ticker, p.Quantity, p.Currency,
			p.AvgCost.String(), p.CostBasis.String(),
			p.MarketPrice.String(), p.MarketValue.String(),
			p.UnrealizedPL.String(), p.UnrealizedPLPct.String(),
			p.OpenedAt.UTC().Format(time.RFC3339Nano),
			p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			// Primary-key collision means someone created the row since our read.
			return fmt.Errorf("%w: %s: %v", ErrVersionConflict, p.Ticker, err)
		}
		p.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET quantity = ?, currency = ?, avg_cost = ?, cost_basis = ?,
		  market_price = ?, market_value = ?, unrealized_pl = ?, unrealized_pl_pct = ?,
		  updated_at = ?, version = version + 1
		WHERE ticker = ? AND version = ?`,
		p.Quantity, p.Currency,
		p.AvgCost.String(), p.CostBasis.String(),
		p.MarketPrice.String(), p.MarketValue.String(),
		p.UnrealizedPL.String(), p.UnrealizedPLPct.String(),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		p.Ticker, p.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at v%d", ErrVersionConflict, p.Ticker, p.Version)
	}
	p.Version++
	return nil
}

func (s *SqliteStore) DeletePosition(ctx context.Context, ticker string, version int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE ticker = ? AND version = ?`, ticker, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at v%d", ErrVersionConflict, ticker, version)
	}
	return nil
}

func (s *SqliteStore) AppendOrder(ctx context.Context, o *model.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, ticker, side, quantity, currency, trade_date, price, value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Ticker, o.Side, o.Quantity, o.Currency,
		o.TradeDate.UTC().Format(model.TradeDateLayout),
		o.Price.String(), o.Value.String(),
		o.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SqliteStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticker, side, quantity, currency, trade_date, price, value, recorded_at
		FROM orders ORDER BY trade_date, recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var tradeDate, price, value, recordedAt string

		if err := rows.Scan(&o.ID, &o.Ticker, &o.Side, &o.Quantity, &o.Currency,
			&tradeDate, &price, &value, &recordedAt); err != nil {
			return nil, err
		}
		if o.TradeDate, err = time.ParseInLocation(model.TradeDateLayout, tradeDate, time.UTC); err != nil {
			return nil, fmt.Errorf("order %s: bad trade_date %q: %w", o.ID, tradeDate, err)
		}
		if o.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("order %s: bad recorded_at %q: %w", o.ID, recordedAt, err)
		}
		o.Price, _ = decimal.NewFromString(price)
		o.Value, _ = decimal.NewFromString(value)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for position scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var avgCost, costBasis, marketPrice, marketValue, pl, plPct string
	var openedAt, updatedAt string

	if err := row.Scan(&p.Ticker, &p.Quantity, &p.Currency,
		&avgCost, &costBasis, &marketPrice, &marketValue, &pl, &plPct,
		&openedAt, &updatedAt, &p.Version); err != nil {
		return nil, err
	}

	p.AvgCost, _ = decimal.NewFromString(avgCost)
	p.CostBasis, _ = decimal.NewFromString(costBasis)
	p.MarketPrice, _ = decimal.NewFromString(marketPrice)
	p.MarketValue, _ = decimal.NewFromString(marketValue)
	p.UnrealizedPL, _ = decimal.NewFromString(pl)
	p.UnrealizedPLPct, _ = decimal.NewFromString(plPct)

	var err error
	if p.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
		return nil, fmt.Errorf("position %s: bad opened_at %q: %w", p.Ticker, openedAt, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("position %s: bad updated_at %q: %w", p.Ticker, updatedAt, err)
	}
	return &p, nil
}
