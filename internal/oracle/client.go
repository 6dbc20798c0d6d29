package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is an HTTP price oracle client. The base URL is explicit
// configuration passed at construction — no process-wide defaults.
//
// Expected endpoints:
//
//	GET {base}/price/{ticker}                        → {"ticker": "...", "price": "123.456"}
//	GET {base}/history?tickers=A,B&period=10y&interval=1mo
//	                                                 → {"A": [{"date": ..., "close": ...}], ...}
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewClient creates an oracle client with a bounded per-request timeout.
// Requests are never retried indefinitely: transient failures get at most
// maxRetries additional attempts with backoff, then ErrPriceUnavailable.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

type priceResponse struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
}

// LatestPrice fetches the most recent per-unit price for a ticker.
func (c *Client) LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/price/%s", c.baseURL, url.PathEscape(ticker))

	var resp priceResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, ticker, err)
	}
	if resp.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s: negative quote %s", ErrPriceUnavailable, ticker, resp.Price)
	}
	return resp.Price, nil
}

// HistoricalPrices fetches close-price series for the given tickers.
func (c *Client) HistoricalPrices(ctx context.Context, tickers []string, period, interval string) (map[string]Series, error) {
	q := url.Values{}
	q.Set("tickers", strings.Join(tickers, ","))
	q.Set("period", period)
	q.Set("interval", interval)
	endpoint := fmt.Sprintf("%s/history?%s", c.baseURL, q.Encode())

	series := make(map[string]Series)
	if err := c.getJSON(ctx, endpoint, &series); err != nil {
		return nil, fmt.Errorf("%w: history %v: %v", ErrPriceUnavailable, tickers, err)
	}
	return series, nil
}

// getJSON performs a GET with bounded retries on transient failures.
// 4xx responses are terminal; network errors and 5xx are retried with
// doubling backoff.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	backoff := 200 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("oracle retry", "endpoint", endpoint, "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		default:
			resp.Body.Close()
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return lastErr
}
