// Package analytics — sample statistics over aligned return series.
// These helpers work in float64: they feed risk figures, not the ledger,
// mirroring how the engine keeps transcendental math out of decimal.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/foliotrack/portfolio-engine/internal/oracle"
)

// alignSeries intersects the observation dates of all series and returns
// the close prices per ticker over the common dates, date-ascending.
// Tickers absent from the input map are dropped. This is the "drop rows
// with any missing observation" alignment used before computing joint
// statistics.
func alignSeries(series map[string]oracle.Series, tickers []string) (dates []time.Time, closes map[string][]float64) {
	byDate := make(map[string]map[time.Time]float64, len(tickers))
	var present []string
	for _, t := range tickers {
		s, ok := series[t]
		if !ok || len(s) == 0 {
			continue
		}
		m := make(map[time.Time]float64, len(s))
		for _, p := range s {
			m[p.Date.UTC().Truncate(24*time.Hour)] = p.Close
		}
		byDate[t] = m
		present = append(present, t)
	}
	if len(present) == 0 {
		return nil, map[string][]float64{}
	}

	for date := range byDate[present[0]] {
		shared := true
		for _, t := range present[1:] {
			if _, ok := byDate[t][date]; !ok {
				shared = false
				break
			}
		}
		if shared {
			dates = append(dates, date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	closes = make(map[string][]float64, len(present))
	for _, t := range present {
		vals := make([]float64, len(dates))
		for i, d := range dates {
			vals[i] = byDate[t][d]
		}
		closes[t] = vals
	}
	return dates, closes
}

// pctReturns converts a close series into periodic percentage returns.
func pctReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleCovariance computes cov(x, y) with the n−1 denominator.
// Returns NaN when fewer than two paired observations exist.
func sampleCovariance(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return math.NaN()
	}
	mx, my := mean(xs), mean(ys)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(n-1)
}

// pearson computes the sample Pearson correlation of two equally long
// return series. Returns NaN for degenerate inputs (fewer than two
// observations, or a zero-variance series).
func pearson(xs, ys []float64) float64 {
	cov := sampleCovariance(xs, ys)
	if math.IsNaN(cov) {
		return math.NaN()
	}
	sx := math.Sqrt(sampleCovariance(xs, xs))
	sy := math.Sqrt(sampleCovariance(ys, ys))
	if sx == 0 || sy == 0 {
		return math.NaN()
	}
	return cov / (sx * sy)
}

// portfolioVariance computes wᵀΣw for the weight vector over the sample
// covariance matrix of the given return series (ordered like weights).
func portfolioVariance(weights []float64, returns [][]float64) float64 {
	n := len(weights)
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			total += weights[i] * weights[j] * sampleCovariance(returns[i], returns[j])
		}
	}
	return total
}
