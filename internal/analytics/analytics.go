package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliotrack/portfolio-engine/internal/model"
	"github.com/foliotrack/portfolio-engine/internal/oracle"
	"github.com/foliotrack/portfolio-engine/internal/store"
)

// ErrEmptyPortfolio is returned when analytics are requested while the
// portfolio has no market value to weight against.
var ErrEmptyPortfolio = errors.New("analytics: portfolio has no market value")

// Lookback windows. Correlation and volatility sample monthly over ten
// years; the cumulative return series samples daily year-to-date; the
// value range covers the trailing year.
const (
	riskPeriod      = "10y"
	riskInterval    = "1mo"
	riskPeriodsYear = 12

	returnsPeriod   = "ytd"
	returnsInterval = "1d"

	rangePeriod   = "1y"
	rangeInterval = "1d"
)

// Service derives read-side portfolio statistics from the current set of
// positions plus historical prices. It never mutates the ledger; reads are
// snapshot-consistent at the granularity of one ListPositions call.
type Service struct {
	store  store.Store
	oracle oracle.Source
}

// NewService creates an analytics service.
func NewService(st store.Store, src oracle.Source) *Service {
	return &Service{store: st, oracle: src}
}

// AssetWeight is one ticker's share of total market value.
type AssetWeight struct {
	Ticker string          `json:"ticker"`
	Weight decimal.Decimal `json:"weight"`
}

// Snapshot is the aggregate view served to the dashboard.
type Snapshot struct {
	TotalCostBasis       decimal.Decimal `json:"total_cost_basis"`
	TotalMarketValue     decimal.Decimal `json:"total_market_value"`
	TotalPL              decimal.Decimal `json:"total_pl"`
	PortfolioReturn      decimal.Decimal `json:"portfolio_return"` // fraction, 6dp
	Weights              []AssetWeight   `json:"weights"`
	AnnualizedVolatility float64         `json:"annualized_volatility"`
	ValueRangeHigh       float64         `json:"value_range_52wk_high"`
	ValueRangeLow        float64         `json:"value_range_52wk_low"`
	GeneratedAt          time.Time       `json:"generated_at"`
}

// Snapshot computes totals, weights, the weighted portfolio return,
// annualized volatility, and the trailing-year portfolio value range.
// Oracle failures are reported, never silently replaced with zeros.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{GeneratedAt: time.Now().UTC()}
	for _, p := range positions {
		snap.TotalCostBasis = snap.TotalCostBasis.Add(p.CostBasis)
		snap.TotalMarketValue = snap.TotalMarketValue.Add(p.MarketValue)
		snap.TotalPL = snap.TotalPL.Add(p.UnrealizedPL)
	}
	if snap.TotalMarketValue.IsZero() {
		return nil, ErrEmptyPortfolio
	}

	weights := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		w := p.MarketValue.Div(snap.TotalMarketValue)
		weights[p.Ticker] = w
		snap.Weights = append(snap.Weights, AssetWeight{Ticker: p.Ticker, Weight: w.Round(model.PctScale)})
		snap.PortfolioReturn = snap.PortfolioReturn.Add(w.Mul(p.UnrealizedPLPct))
	}
	snap.PortfolioReturn = snap.PortfolioReturn.Round(model.PctScale)

	vol, err := s.annualizedVolatility(ctx, positions, weights)
	if err != nil {
		return nil, err
	}
	snap.AnnualizedVolatility = vol

	high, low, err := s.valueRange(ctx, positions)
	if err != nil {
		return nil, err
	}
	snap.ValueRangeHigh, snap.ValueRangeLow = high, low

	return snap, nil
}

// annualizedVolatility computes sqrt(wᵀΣw) × sqrt(12) over monthly returns.
// A single-observation history yields 0 rather than an error: a young
// portfolio has no measurable volatility yet.
func (s *Service) annualizedVolatility(ctx context.Context, positions []model.Position,
	weights map[string]decimal.Decimal) (float64, error) {

	tickers := tickersOf(positions)
	series, err := s.oracle.HistoricalPrices(ctx, tickers, riskPeriod, riskInterval)
	if err != nil {
		return 0, err
	}

	_, closes := alignSeries(series, tickers)
	var (
		ws      []float64
		returns [][]float64
	)
	for _, t := range tickers {
		r := pctReturns(closes[t])
		if len(r) == 0 {
			continue
		}
		ws = append(ws, weights[t].InexactFloat64())
		returns = append(returns, r)
	}
	if len(returns) == 0 {
		return 0, nil
	}

	variance := portfolioVariance(ws, returns)
	if math.IsNaN(variance) || variance < 0 {
		return 0, nil
	}
	return math.Sqrt(variance) * math.Sqrt(riskPeriodsYear), nil
}

// valueRange computes the high and low of total portfolio value over the
// trailing year, valuing each day's aligned closes at held quantities.
func (s *Service) valueRange(ctx context.Context, positions []model.Position) (high, low float64, err error) {
	tickers := tickersOf(positions)
	series, err := s.oracle.HistoricalPrices(ctx, tickers, rangePeriod, rangeInterval)
	if err != nil {
		return 0, 0, err
	}

	qty := make(map[string]float64, len(positions))
	for _, p := range positions {
		qty[p.Ticker] = float64(p.Quantity)
	}

	dates, closes := alignSeries(series, tickers)
	if len(dates) == 0 {
		return 0, 0, nil
	}

	high = math.Inf(-1)
	low = math.Inf(1)
	for i := range dates {
		total := 0.0
		for t, vals := range closes {
			total += vals[i] * qty[t]
		}
		high = math.Max(high, total)
		low = math.Min(low, total)
	}
	return high, low, nil
}

// Correlation is a pairwise Pearson correlation matrix of monthly returns.
// Entries are nil where two tickers share fewer than two overlapping
// observations (undefined, not a failure).
type Correlation struct {
	Tickers []string     `json:"tickers"`
	Matrix  [][]*float64 `json:"matrix"`
}

// Correlation computes the pairwise correlation of monthly percentage
// returns over the ten-year lookback. Each pair is aligned on its own
// overlapping dates, so one short history does not blank the whole matrix.
func (s *Service) Correlation(ctx context.Context) (*Correlation, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrEmptyPortfolio
	}

	tickers := tickersOf(positions)
	series, err := s.oracle.HistoricalPrices(ctx, tickers, riskPeriod, riskInterval)
	if err != nil {
		return nil, err
	}

	corr := &Correlation{
		Tickers: tickers,
		Matrix:  make([][]*float64, len(tickers)),
	}
	for i := range tickers {
		corr.Matrix[i] = make([]*float64, len(tickers))
		for j := range tickers {
			pair := []string{tickers[i], tickers[j]}
			_, closes := alignSeries(series, pair)
			r := pearson(pctReturns(closes[tickers[i]]), pctReturns(closes[tickers[j]]))
			if !math.IsNaN(r) {
				v := r
				corr.Matrix[i][j] = &v
			}
		}
	}
	return corr, nil
}

// DatedReturn is one point of the cumulative return series.
type DatedReturn struct {
	Date       time.Time `json:"date"`
	Cumulative float64   `json:"cumulative_return"`
}

// CumulativeReturns computes the year-to-date daily portfolio return series
// and returns it as a finite, restartable sequence indexed by date: the
// cumulative value is the running product of (1 + daily return) minus one,
// where each daily return is the weight-blended return across tickers.
func (s *Service) CumulativeReturns(ctx context.Context) (iter.Seq[DatedReturn], error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	totalValue := decimal.Zero
	for _, p := range positions {
		totalValue = totalValue.Add(p.MarketValue)
	}
	if totalValue.IsZero() {
		return nil, ErrEmptyPortfolio
	}

	tickers := tickersOf(positions)
	series, err := s.oracle.HistoricalPrices(ctx, tickers, returnsPeriod, returnsInterval)
	if err != nil {
		return nil, err
	}

	weights := make(map[string]float64, len(positions))
	for _, p := range positions {
		weights[p.Ticker] = p.MarketValue.Div(totalValue).InexactFloat64()
	}

	dates, closes := alignSeries(series, tickers)
	returns := make(map[string][]float64, len(closes))
	for t, vals := range closes {
		returns[t] = pctReturns(vals)
	}

	// The sequence replays from the start on every range, and stops early
	// when the consumer does.
	seq := func(yield func(DatedReturn) bool) {
		cumulative := 1.0
		for i := 1; i < len(dates); i++ {
			daily := 0.0
			for t, r := range returns {
				daily += weights[t] * r[i-1]
			}
			cumulative *= 1 + daily
			if !yield(DatedReturn{Date: dates[i], Cumulative: cumulative - 1}) {
				return
			}
		}
	}
	return seq, nil
}

func tickersOf(positions []model.Position) []string {
	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}
	return tickers
}

// --- HTTP Handlers ---

// GetSnapshot handles GET /api/v1/analytics
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// GetCorrelation handles GET /api/v1/analytics/correlation
func (s *Service) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	corr, err := s.Correlation(r.Context())
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(corr)
}

// GetCumulativeReturns handles GET /api/v1/analytics/returns
func (s *Service) GetCumulativeReturns(w http.ResponseWriter, r *http.Request) {
	seq, err := s.CumulativeReturns(r.Context())
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}

	points := []DatedReturn{}
	for p := range seq {
		points = append(points, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

func writeAnalyticsError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, ErrEmptyPortfolio):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrPriceUnavailable):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
