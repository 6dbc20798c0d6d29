package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClient_LatestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price/AAPL" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticker":"AAPL","price":"187.125"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	price, err := c.LatestPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("187.125")) {
		t.Errorf("expected 187.125, got %s", price)
	}
}

func TestClient_LatestPrice_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.LatestPrice(context.Background(), "NOPE")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ticker":"AAPL","price":"100"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	price, err := c.LatestPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100, got %s", price)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_RetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.LatestPrice(context.Background(), "AAPL")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestClient_HistoricalPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tickers"); got != "AAPL,MSFT" {
			t.Errorf("unexpected tickers param: %s", got)
		}
		if got := r.URL.Query().Get("interval"); got != "1mo" {
			t.Errorf("unexpected interval param: %s", got)
		}
		w.Write([]byte(`{
			"AAPL": [{"date":"2025-01-31T00:00:00Z","close":180.5},{"date":"2025-02-28T00:00:00Z","close":185.0}],
			"MSFT": [{"date":"2025-01-31T00:00:00Z","close":400.0}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	series, err := c.HistoricalPrices(context.Background(), []string{"AAPL", "MSFT"}, "10y", "1mo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series["AAPL"]) != 2 {
		t.Errorf("expected 2 AAPL points, got %d", len(series["AAPL"]))
	}
	if series["AAPL"][1].Close != 185.0 {
		t.Errorf("expected close 185.0, got %f", series["AAPL"][1].Close)
	}
}

func TestSeries_Returns(t *testing.T) {
	s := Series{
		{Close: 100},
		{Close: 110},
		{Close: 99},
	}
	returns := s.Returns()
	if len(returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(returns))
	}
	if diff := returns[0] - 0.1; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected first return 0.1, got %f", returns[0])
	}
	if diff := returns[1] - (-0.1); diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected second return -0.1, got %f", returns[1])
	}
}

func TestSeries_Returns_TooShort(t *testing.T) {
	if got := (Series{{Close: 100}}).Returns(); got != nil {
		t.Errorf("expected nil for single-point series, got %v", got)
	}
}
