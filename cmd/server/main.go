package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/foliotrack/portfolio-engine/internal/analytics"
	"github.com/foliotrack/portfolio-engine/internal/config"
	"github.com/foliotrack/portfolio-engine/internal/keylock"
	"github.com/foliotrack/portfolio-engine/internal/ledger"
	"github.com/foliotrack/portfolio-engine/internal/metrics"
	"github.com/foliotrack/portfolio-engine/internal/oracle"
	"github.com/foliotrack/portfolio-engine/internal/reconcile"
	"github.com/foliotrack/portfolio-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.SqlitePath != "":
		sq, err := store.NewSqliteStore(cfg.SqlitePath)
		if err != nil {
			slog.Error("sqlite open failed", "err", err, "path", cfg.SqlitePath)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite store", "path", cfg.SqlitePath)
	default:
		slog.Warn("no DATABASE_URL or SQLITE_PATH, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var src oracle.Source
	if cfg.OracleURL != "" {
		src = oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout)
		slog.Info("price oracle configured", "url", cfg.OracleURL)
	} else {
		slog.Warn("ORACLE_URL not set, using static prices (development only)")
		src = oracle.NewStatic()
	}

	// --- Shared per-ticker locks ---
	locks := keylock.New()

	// --- WebSocket hub ---
	hub := ledger.NewHub()
	go hub.Run()

	// --- Services ---
	ledgerSvc := ledger.NewService(st, src, locks, hub)
	analyticsSvc := analytics.NewService(st, src)
	reconciler := reconcile.New(st, src, locks, cfg.ReconcileInterval)

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	defer stopReconciler()
	if cfg.ReconcileInterval > 0 {
		go reconciler.Run(reconcileCtx)
	} else {
		slog.Warn("reconciler disabled", "interval", cfg.ReconcileInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position updates.
		r.Get("/ws", hub.HandleWS)

		// Order intake and history.
		r.Post("/orders", ledgerSvc.SubmitOrder)
		r.Get("/orders", ledgerSvc.ListOrders)

		// Position book.
		r.Get("/positions", ledgerSvc.ListPositions)
		r.Get("/positions/{ticker}", ledgerSvc.GetPosition)
		r.Post("/positions/refresh", reconciler.HandleRefresh)

		// Portfolio analytics.
		r.Get("/analytics", analyticsSvc.GetSnapshot)
		r.Get("/analytics/correlation", analyticsSvc.GetCorrelation)
		r.Get("/analytics/returns", analyticsSvc.GetCumulativeReturns)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopReconciler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
