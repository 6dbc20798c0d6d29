// Package ledger implements the order-driven position accountant: it applies
// validated buy/sell orders to per-ticker positions using weighted-average
// cost accounting, and exposes the HTTP surface for orders and positions.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foliotrack/portfolio-engine/internal/keylock"
	"github.com/foliotrack/portfolio-engine/internal/metrics"
	"github.com/foliotrack/portfolio-engine/internal/model"
	"github.com/foliotrack/portfolio-engine/internal/oracle"
	"github.com/foliotrack/portfolio-engine/internal/order"
	"github.com/foliotrack/portfolio-engine/internal/store"
)

var (
	// ErrNoPosition is returned when a SELL targets a ticker with no
	// current position.
	ErrNoPosition = errors.New("ledger: no existing position for ticker")

	// ErrInsufficientQuantity is returned when a SELL exceeds the held
	// quantity. The position is left unmodified.
	ErrInsufficientQuantity = errors.New("ledger: sell quantity exceeds held quantity")

	// ErrConflict is returned when optimistic-concurrency retries are
	// exhausted without a clean write.
	ErrConflict = errors.New("ledger: concurrent update conflict")
)

// maxApplyRetries bounds how often an apply is re-run after a version
// conflict before surfacing ErrConflict.
const maxApplyRetries = 3

// Service applies orders to the ledger. Mutations are serialized per ticker
// through a shared lock table; orders on different tickers proceed in
// parallel. Store writes additionally carry a version check so a second
// engine instance against the same database cannot lose updates.
type Service struct {
	store  store.Store
	oracle oracle.Source
	locks  *keylock.KeyedMutex
	wsHub  *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new ledger service. The lock table is shared with
// the reconciler. Pass nil for hub if broadcasting is not needed.
func NewService(st store.Store, src oracle.Source, locks *keylock.KeyedMutex, hub *Hub) *Service {
	return &Service{
		store:  st,
		oracle: src,
		locks:  locks,
		wsHub:  hub,
	}
}

// Result is the outcome of applying one order. Position is nil when the
// order closed the position entirely (Removed is then true).
type Result struct {
	Order    model.Order     `json:"order"`
	Position *model.Position `json:"position,omitempty"`
	Removed  bool            `json:"removed"`
}

// Apply executes a validated order draft against the current position for
// its ticker, as a single atomic unit per ticker: read, compute, persist
// order and position together under the ticker's lock.
func (s *Service) Apply(ctx context.Context, draft order.Draft) (*Result, error) {
	start := time.Now()

	execPrice, err := s.resolvePrice(ctx, draft)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(draft.Ticker)
	defer s.locks.Unlock(draft.Ticker)

	var res *Result
	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		res, err = s.applyOnce(ctx, draft, execPrice)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.ApplyConflicts.Inc()
			continue
		}
		break
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %s: retries exhausted", ErrConflict, draft.Ticker)
	}
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(draft.Side).Inc()
	metrics.ApplyLatency.WithLabelValues(draft.Side).Observe(time.Since(start).Seconds())

	slog.Info("order applied",
		"order_id", res.Order.ID,
		"ticker", draft.Ticker,
		"side", draft.Side,
		"qty", draft.Quantity,
		"price", res.Order.Price.String(),
		"removed", res.Removed,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(eventFromResult(res))
	}
	return res, nil
}

// applyOnce runs one read-compute-write cycle. A store.ErrVersionConflict
// from the position write means the read was stale; the caller re-runs the
// whole cycle against a fresh read.
func (s *Service) applyOnce(ctx context.Context, draft order.Draft, execPrice decimal.Decimal) (*Result, error) {
	now := time.Now().UTC()

	current, err := s.store.GetPosition(ctx, draft.Ticker)
	if err != nil && !errors.Is(err, store.ErrPositionNotFound) {
		return nil, err
	}
	// Absence is a valid "no position" state, not an error.
	if errors.Is(err, store.ErrPositionNotFound) {
		current = nil
	}

	qty := decimal.NewFromInt(draft.Quantity)
	value := qty.Mul(execPrice).Round(model.MoneyScale)

	ord := model.Order{
		ID:         uuid.New().String(),
		Ticker:     draft.Ticker,
		Side:       draft.Side,
		Quantity:   draft.Quantity,
		Currency:   draft.Currency,
		TradeDate:  draft.TradeDate,
		Price:      execPrice.Round(model.MoneyScale),
		Value:      value,
		RecordedAt: now,
	}

	var (
		next    *model.Position
		removed bool
	)
	switch draft.Side {
	case model.SideBuy:
		next, err = s.applyBuy(ctx, current, draft, execPrice, value, now)
	case model.SideSell:
		next, removed, err = applySell(current, draft, execPrice, now)
	default:
		err = fmt.Errorf("%w: %q", order.ErrInvalidSide, draft.Side)
	}
	if err != nil {
		return nil, err
	}

	// Persist position first: its CAS write is the contended step, and a
	// conflict there must not leave a duplicate order behind on retry.
	if removed {
		if err := s.store.DeletePosition(ctx, draft.Ticker, current.Version); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.PutPosition(ctx, next); err != nil {
			return nil, err
		}
	}
	if err := s.store.AppendOrder(ctx, &ord); err != nil {
		return nil, fmt.Errorf("append order %s: %w", ord.ID, err)
	}

	res := &Result{Order: ord, Removed: removed}
	if !removed {
		res.Position = next
	}
	return res, nil
}

// applyBuy increases the position and recomputes the weighted-average cost:
// the only operation that ever changes avg_cost.
func (s *Service) applyBuy(ctx context.Context, current *model.Position, draft order.Draft,
	execPrice, value decimal.Decimal, now time.Time) (*model.Position, error) {

	if current == nil {
		p := &model.Position{
			Ticker:    draft.Ticker,
			Quantity:  draft.Quantity,
			Currency:  draft.Currency,
			AvgCost:   execPrice.Round(model.MoneyScale),
			CostBasis: value,
			OpenedAt:  now,
		}
		p.Revalue(execPrice, now)
		return p, nil
	}

	newQty := current.Quantity + draft.Quantity
	newBasis := current.CostBasis.Add(value).Round(model.MoneyScale)
	newAvg := newBasis.Div(decimal.NewFromInt(newQty)).Round(model.MoneyScale)

	// Market fields track the oracle, not the execution price, so a buy
	// booked at a historical price still values at today's market.
	marketPrice := execPrice
	if draft.HasPrice {
		quoted, err := s.oracle.LatestPrice(ctx, draft.Ticker)
		if err != nil {
			metrics.OracleRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.OracleRequests.WithLabelValues("ok").Inc()
		marketPrice = quoted
	}

	next := *current
	next.Quantity = newQty
	next.Currency = draft.Currency
	next.AvgCost = newAvg
	next.CostBasis = newBasis
	next.Revalue(marketPrice, now)
	return &next, nil
}

// applySell reduces the position proportionally. Cost-basis relief uses the
// existing weighted-average cost, not the sale price; avg_cost is unchanged
// for the remaining lot. A sell that exhausts the quantity removes the
// position entirely.
func applySell(current *model.Position, draft order.Draft,
	execPrice decimal.Decimal, now time.Time) (*model.Position, bool, error) {

	if current == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNoPosition, draft.Ticker)
	}
	if draft.Quantity > current.Quantity {
		return nil, false, fmt.Errorf("%w: selling %d, holding %d",
			ErrInsufficientQuantity, draft.Quantity, current.Quantity)
	}

	newQty := current.Quantity - draft.Quantity
	if newQty == 0 {
		return nil, true, nil
	}

	removedCost := decimal.NewFromInt(draft.Quantity).Mul(current.AvgCost)
	next := *current
	next.Quantity = newQty
	next.CostBasis = current.CostBasis.Sub(removedCost).Round(model.MoneyScale)
	next.Revalue(execPrice, now)
	return &next, false, nil
}

// resolvePrice returns the execution price for a draft, consulting the
// oracle when the submitter omitted one.
func (s *Service) resolvePrice(ctx context.Context, draft order.Draft) (decimal.Decimal, error) {
	if draft.HasPrice {
		return draft.Price, nil
	}
	price, err := s.oracle.LatestPrice(ctx, draft.Ticker)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return decimal.Zero, err
	}
	metrics.OracleRequests.WithLabelValues("ok").Inc()
	return price, nil
}

// --- HTTP Handlers ---

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	draft, err := order.Validate(req, time.Now().UTC())
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Apply(r.Context(), draft)
	if err != nil {
		status := statusForApplyError(err)
		if status != http.StatusServiceUnavailable {
			metrics.OrdersRejected.WithLabelValues(reasonLabel(err)).Inc()
		}
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

// ListOrders handles GET /api/v1/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context())
	if err != nil {
		writeError(w, "failed to list orders", http.StatusServiceUnavailable)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusServiceUnavailable)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	metrics.OpenPositions.Set(float64(len(positions)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetPosition handles GET /api/v1/positions/{ticker}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ticker")))

	p, err := s.store.GetPosition(r.Context(), ticker)
	if errors.Is(err, store.ErrPositionNotFound) {
		writeError(w, "no position for ticker: "+ticker, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load position", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func statusForApplyError(err error) int {
	switch {
	case errors.Is(err, ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientQuantity), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoPosition):
		return "no_position"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "other"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
