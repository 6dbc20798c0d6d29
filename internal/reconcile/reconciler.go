// Package reconcile periodically re-marks every open position at the
// latest oracle price so market value and unrealized P/L do not drift
// between trades.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/foliotrack/portfolio-engine/internal/keylock"
	"github.com/foliotrack/portfolio-engine/internal/metrics"
	"github.com/foliotrack/portfolio-engine/internal/oracle"
	"github.com/foliotrack/portfolio-engine/internal/store"
)

// Reconciler sweeps the position book on a fixed interval. It shares the
// per-ticker lock table with the ledger, so a reprice never interleaves
// with an order being applied to the same ticker.
type Reconciler struct {
	store    store.Store
	oracle   oracle.Source
	locks    *keylock.KeyedMutex
	interval time.Duration
}

// New creates a reconciler sweeping every interval.
func New(st store.Store, src oracle.Source, locks *keylock.KeyedMutex, interval time.Duration) *Reconciler {
	return &Reconciler{store: st, oracle: src, locks: locks, interval: interval}
}

// Run sweeps on every tick until the context is cancelled. One sweep's
// failure never stops the loop.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweepWithMetrics(ctx)
		}
	}
}

func (r *Reconciler) sweepWithMetrics(ctx context.Context) SweepResult {
	result, err := r.Sweep(ctx)
	switch {
	case err != nil:
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		slog.Error("reconcile sweep failed", "error", err)
	case result.Skipped > 0:
		metrics.ReconcileRuns.WithLabelValues("partial").Inc()
	default:
		metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	}
	return result
}

// SweepResult summarizes one pass over the book.
type SweepResult struct {
	Repriced int `json:"repriced"`
	Skipped  int `json:"skipped"`
}

// Sweep reprices every open position once. Positions whose price lookup
// fails are skipped and counted; positions that disappear mid-sweep (sold
// out between the listing and the lock) are silently ignored. The returned
// error reports only a failure to enumerate the book.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	positions, err := r.store.ListPositions(ctx)
	if err != nil {
		return result, err
	}

	for _, p := range positions {
		if err := r.reprice(ctx, p.Ticker); err != nil {
			if errors.Is(err, store.ErrPositionNotFound) {
				continue
			}
			result.Skipped++
			metrics.ReconcileSkipped.Inc()
			slog.Warn("position skipped during reconcile", "ticker", p.Ticker, "error", err)
			continue
		}
		result.Repriced++
	}

	slog.Info("reconcile sweep complete", "repriced", result.Repriced, "skipped", result.Skipped)
	return result, nil
}

// reprice re-marks a single ticker under its ledger lock. The position is
// re-read after the lock is held: the listed copy may be stale.
func (r *Reconciler) reprice(ctx context.Context, ticker string) error {
	r.locks.Lock(ticker)
	defer r.locks.Unlock(ticker)

	p, err := r.store.GetPosition(ctx, ticker)
	if err != nil {
		return err
	}

	price, err := r.oracle.LatestPrice(ctx, ticker)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("error").Inc()
		return err
	}
	metrics.OracleRequests.WithLabelValues("ok").Inc()

	p.Revalue(price, time.Now().UTC())
	return r.store.PutPosition(ctx, p)
}

// HandleRefresh handles POST /api/v1/positions/refresh: it runs one sweep
// synchronously and reports what was repriced.
func (r *Reconciler) HandleRefresh(w http.ResponseWriter, req *http.Request) {
	result, err := r.Sweep(req.Context())
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if result.Skipped > 0 {
		metrics.ReconcileRuns.WithLabelValues("partial").Inc()
	} else {
		metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
