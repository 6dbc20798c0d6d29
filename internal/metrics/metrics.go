// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders applied to the ledger, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_orders_total",
		Help: "Total number of orders applied to the ledger",
	}, []string{"side"})

	// OrdersRejected counts orders rejected before application, by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_orders_rejected_total",
		Help: "Orders rejected by validation or accounting rules",
	}, []string{"reason"})

	// ApplyLatency tracks end-to-end order application latency.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folio_order_apply_latency_seconds",
		Help:    "Order application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OpenPositions tracks the number of open positions in the ledger.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folio_open_positions",
		Help: "Number of currently open positions",
	})

	// ApplyConflicts counts optimistic-concurrency retries during apply.
	ApplyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_apply_version_conflicts_total",
		Help: "Position writes retried due to version conflicts",
	})

	// OracleRequests counts price oracle lookups by outcome.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_oracle_requests_total",
		Help: "Price oracle lookups",
	}, []string{"outcome"})

	// ReconcileRuns counts reconciler sweeps by outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_reconcile_runs_total",
		Help: "Reconciler sweeps executed",
	}, []string{"outcome"})

	// ReconcileSkipped counts positions skipped during a sweep because their
	// price could not be fetched.
	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_reconcile_skipped_positions_total",
		Help: "Positions skipped during reconciliation due to pricing failures",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
