package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foliotrack/portfolio-engine/internal/keylock"
	"github.com/foliotrack/portfolio-engine/internal/ledger"
	"github.com/foliotrack/portfolio-engine/internal/model"
	"github.com/foliotrack/portfolio-engine/internal/oracle"
	"github.com/foliotrack/portfolio-engine/internal/order"
	"github.com/foliotrack/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store, static oracle,
// and chi router.
func newTestEnv(t *testing.T) (*ledger.Service, *store.MemoryStore, *oracle.Static, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	src := oracle.NewStatic()
	svc := ledger.NewService(ms, src, keylock.New(), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.SubmitOrder)
	r.Get("/api/v1/orders", svc.ListOrders)
	r.Get("/api/v1/positions", svc.ListPositions)
	r.Get("/api/v1/positions/{ticker}", svc.GetPosition)

	return svc, ms, src, r
}

func submit(t *testing.T, router chi.Router, req order.Request) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func priceOf(f float64) *decimal.Decimal {
	p := d(f)
	return &p
}

// --- Buy accounting ---

func TestSubmitOrder_FirstBuyCreatesPosition(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := submit(t, router, order.Request{
		Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.Result
	json.Unmarshal(w.Body.Bytes(), &res)

	if res.Order.ID == "" {
		t.Error("expected non-empty order id")
	}
	p := res.Position
	if p == nil {
		t.Fatal("expected a position in the response")
	}
	if p.Quantity != 10 {
		t.Errorf("expected quantity 10, got %d", p.Quantity)
	}
	if !p.AvgCost.Equal(d(100)) {
		t.Errorf("expected avg_cost 100, got %s", p.AvgCost)
	}
	if !p.CostBasis.Equal(d(1000)) {
		t.Errorf("expected cost_basis 1000, got %s", p.CostBasis)
	}
	if !p.UnrealizedPL.IsZero() || !p.UnrealizedPLPct.IsZero() {
		t.Errorf("expected zero P&L on opening buy, got %s / %s", p.UnrealizedPL, p.UnrealizedPLPct)
	}
	if p.OpenedAt.IsZero() {
		t.Error("expected opened_at to be set")
	}
}

func TestSubmitOrder_BuyRecomputesWeightedAverage(t *testing.T) {
	_, _, src, router := newTestEnv(t)
	src.SetPrice("XYZ", d(200))

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(100)})
	w := submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(200)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.Result
	json.Unmarshal(w.Body.Bytes(), &res)

	p := res.Position
	if p.Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", p.Quantity)
	}
	if !p.AvgCost.Equal(d(150)) {
		t.Errorf("expected avg_cost 150, got %s", p.AvgCost)
	}
	if !p.CostBasis.Equal(d(3000)) {
		t.Errorf("expected cost_basis 3000, got %s", p.CostBasis)
	}
	if !p.MarketPrice.Equal(d(200)) {
		t.Errorf("expected market_price 200 from oracle, got %s", p.MarketPrice)
	}
	if !p.MarketValue.Equal(d(4000)) {
		t.Errorf("expected market_value 4000, got %s", p.MarketValue)
	}
}

func TestSubmitOrder_BuyAccumulation(t *testing.T) {
	_, ms, src, router := newTestEnv(t)
	src.SetPrice("ACC", d(50))

	buys := []struct {
		qty   int64
		price float64
	}{
		{3, 10.5}, {7, 11.25}, {2, 9.875}, {11, 10},
	}

	var totalQty int64
	totalCost := decimal.Zero
	for _, b := range buys {
		w := submit(t, router, order.Request{
			Ticker: "ACC", Side: "BUY", Quantity: b.qty, Price: priceOf(b.price),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
		}
		totalQty += b.qty
		totalCost = totalCost.Add(decimal.NewFromInt(b.qty).Mul(d(b.price)))
	}

	p, err := ms.GetPosition(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Quantity != totalQty {
		t.Errorf("expected quantity %d, got %d", totalQty, p.Quantity)
	}
	tolerance := d(0.001)
	if p.CostBasis.Sub(totalCost).Abs().GreaterThan(tolerance) {
		t.Errorf("cost_basis drifted: expected %s, got %s", totalCost, p.CostBasis)
	}
	wantAvg := p.CostBasis.Div(decimal.NewFromInt(p.Quantity))
	if p.AvgCost.Sub(wantAvg).Abs().GreaterThan(tolerance) {
		t.Errorf("avg_cost inconsistent with basis/qty: %s vs %s", p.AvgCost, wantAvg)
	}
}

// --- Sell accounting ---

func TestSubmitOrder_SellReliefUsesAvgCost(t *testing.T) {
	_, _, src, router := newTestEnv(t)
	src.SetPrice("XYZ", d(200))

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(100)})
	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(200)})

	w := submit(t, router, order.Request{Ticker: "XYZ", Side: "SELL", Quantity: 5, Price: priceOf(300)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.Result
	json.Unmarshal(w.Body.Bytes(), &res)

	p := res.Position
	if p.Quantity != 15 {
		t.Errorf("expected quantity 15, got %d", p.Quantity)
	}
	// Cost relief is 5 × avg_cost(150) = 750, not 5 × sale price.
	if !p.CostBasis.Equal(d(2250)) {
		t.Errorf("expected cost_basis 2250, got %s", p.CostBasis)
	}
	if !p.AvgCost.Equal(d(150)) {
		t.Errorf("avg_cost must be unchanged by sells, got %s", p.AvgCost)
	}
	if !p.MarketPrice.Equal(d(300)) {
		t.Errorf("expected market_price 300 (sale price), got %s", p.MarketPrice)
	}
	if !p.MarketValue.Equal(d(4500)) {
		t.Errorf("expected market_value 4500, got %s", p.MarketValue)
	}
	if !p.UnrealizedPL.Equal(d(2250)) {
		t.Errorf("expected unrealized_pl 2250, got %s", p.UnrealizedPL)
	}
	if !p.UnrealizedPLPct.Equal(d(1)) {
		t.Errorf("expected pl_pct 1 (fraction), got %s", p.UnrealizedPLPct)
	}
}

func TestSubmitOrder_SellProportionalBasis(t *testing.T) {
	_, ms, _, router := newTestEnv(t)

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 8, Price: priceOf(12.5)})
	pre, _ := ms.GetPosition(context.Background(), "XYZ")

	submit(t, router, order.Request{Ticker: "XYZ", Side: "SELL", Quantity: 2, Price: priceOf(20)})
	post, _ := ms.GetPosition(context.Background(), "XYZ")

	// post basis = pre basis × remaining/pre quantity
	want := pre.CostBasis.Mul(d(6)).Div(d(8)).Round(model.MoneyScale)
	if !post.CostBasis.Equal(want) {
		t.Errorf("expected proportional basis %s, got %s", want, post.CostBasis)
	}
	if !post.AvgCost.Equal(pre.AvgCost) {
		t.Errorf("avg_cost changed on sell: %s vs %s", post.AvgCost, pre.AvgCost)
	}
}

func TestSubmitOrder_SellExhaustsRemovesPosition(t *testing.T) {
	_, ms, _, router := newTestEnv(t)

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 10, Price: priceOf(100)})
	w := submit(t, router, order.Request{Ticker: "XYZ", Side: "SELL", Quantity: 10, Price: priceOf(120)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Removed {
		t.Error("expected removed=true when sell exhausts quantity")
	}
	if res.Position != nil {
		t.Error("expected no position in response after removal")
	}

	if _, err := ms.GetPosition(context.Background(), "XYZ"); err == nil {
		t.Error("expected position deleted from store, found one")
	}

	// A subsequent sell must fail: no position exists anymore.
	w = submit(t, router, order.Request{Ticker: "XYZ", Side: "SELL", Quantity: 1, Price: priceOf(120)})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for sell with no position, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitOrder_OversellRejectedAndUntouched(t *testing.T) {
	_, ms, _, router := newTestEnv(t)

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 15, Price: priceOf(100)})
	before, _ := ms.GetPosition(context.Background(), "XYZ")

	w := submit(t, router, order.Request{Ticker: "XYZ", Side: "SELL", Quantity: 20, Price: priceOf(100)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d: %s", w.Code, w.Body.String())
	}

	after, _ := ms.GetPosition(context.Background(), "XYZ")
	if after.Quantity != 15 {
		t.Errorf("expected quantity unchanged at 15, got %d", after.Quantity)
	}
	if !after.CostBasis.Equal(before.CostBasis) || after.Version != before.Version {
		t.Error("position must be unmodified by a rejected sell")
	}
}

// --- Price resolution ---

func TestSubmitOrder_PriceFilledFromOracle(t *testing.T) {
	_, _, src, router := newTestEnv(t)
	src.SetPrice("AAPL", decimal.RequireFromString("187.1256"))

	w := submit(t, router, order.Request{Ticker: "AAPL", Side: "BUY", Quantity: 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res ledger.Result
	json.Unmarshal(w.Body.Bytes(), &res)

	if !res.Order.Price.Equal(decimal.RequireFromString("187.126")) {
		t.Errorf("expected recorded price 187.126 (3dp), got %s", res.Order.Price)
	}
	if !res.Order.Value.Equal(decimal.RequireFromString("374.251")) {
		t.Errorf("expected value 374.251, got %s", res.Order.Value)
	}
}

func TestSubmitOrder_OracleUnavailable(t *testing.T) {
	_, _, src, router := newTestEnv(t)
	src.FailTicker("AAPL")

	w := submit(t, router, order.Request{Ticker: "AAPL", Side: "BUY", Quantity: 2})
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for unavailable price, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Validation at the HTTP boundary ---

func TestSubmitOrder_ValidationRejected(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	bad := []order.Request{
		{Ticker: "", Side: "BUY", Quantity: 1},
		{Ticker: "AAPL", Side: "HOLD", Quantity: 1},
		{Ticker: "AAPL", Side: "BUY", Quantity: 0},
		{Ticker: "AAPL", Side: "BUY", Quantity: 1, Price: priceOf(-1)},
		{Ticker: "AAPL", Side: "BUY", Quantity: 1, TradeDate: "2999-01-01"},
		{Ticker: "AAPL", Side: "BUY", Quantity: 1, TradeDate: "not-a-date"},
	}
	for i, req := range bad {
		if w := submit(t, router, req); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d: %s", i, w.Code, w.Body.String())
		}
	}
}

// --- Order log ---

func TestSubmitOrder_SameDayOrdersPreserved(t *testing.T) {
	_, _, src, router := newTestEnv(t)
	src.SetPrice("XYZ", d(11))

	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 1, Price: priceOf(10)})
	submit(t, router, order.Request{Ticker: "XYZ", Side: "BUY", Quantity: 2, Price: priceOf(11)})

	req := httptest.NewRequest("GET", "/api/v1/orders", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 {
		t.Fatalf("expected both same-day orders kept, got %d", len(orders))
	}
	if orders[0].ID == orders[1].ID {
		t.Error("orders must have distinct identifiers")
	}
}

// --- Positions API ---

func TestGetPosition_NotFound(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/positions/NOPE", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListPositions_Empty(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/positions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 0 {
		t.Errorf("expected empty list, got %d", len(positions))
	}
}

// --- Concurrency ---

func TestApply_ConcurrentBuysConverge(t *testing.T) {
	svc, ms, src, _ := newTestEnv(t)
	src.SetPrice("XYZ", d(100))
	now := time.Now().UTC()

	mkDraft := func(qty int64) order.Draft {
		draft, err := order.Validate(order.Request{
			Ticker: "XYZ", Side: "BUY", Quantity: qty, Price: priceOf(100),
		}, now)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		return draft
	}

	var wg sync.WaitGroup
	for _, qty := range []int64{5, 7} {
		wg.Add(1)
		go func(q int64) {
			defer wg.Done()
			if _, err := svc.Apply(context.Background(), mkDraft(q)); err != nil {
				t.Errorf("apply %d failed: %v", q, err)
			}
		}(qty)
	}
	wg.Wait()

	p, err := ms.GetPosition(context.Background(), "XYZ")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Quantity != 12 {
		t.Errorf("lost update: expected quantity 12, got %d", p.Quantity)
	}
	if !p.CostBasis.Equal(d(1200)) {
		t.Errorf("expected cost_basis 1200, got %s", p.CostBasis)
	}

	orders, _ := ms.ListOrders(context.Background())
	if len(orders) != 2 {
		t.Errorf("expected 2 orders recorded, got %d", len(orders))
	}
}

func TestApply_ManyConcurrentOrdersOneTicker(t *testing.T) {
	svc, ms, src, _ := newTestEnv(t)
	src.SetPrice("XYZ", d(10))
	now := time.Now().UTC()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			draft, _ := order.Validate(order.Request{
				Ticker: "XYZ", Side: "BUY", Quantity: 1, Price: priceOf(10),
			}, now)
			if _, err := svc.Apply(context.Background(), draft); err != nil {
				t.Errorf("apply failed: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := ms.GetPosition(context.Background(), "XYZ")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Quantity != n {
		t.Errorf("expected quantity %d, got %d", n, p.Quantity)
	}
}
