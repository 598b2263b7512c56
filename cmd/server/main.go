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
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/config"
	"github.com/velscada/energy-engine/internal/energy"
	"github.com/velscada/energy-engine/internal/event"
	"github.com/velscada/energy-engine/internal/market"
	"github.com/velscada/energy-engine/internal/metrics"
	"github.com/velscada/energy-engine/internal/pricing"
	"github.com/velscada/energy-engine/internal/sim"
	"github.com/velscada/energy-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := event.NewHub()
	go hub.Run()

	// --- Pricing engine ---
	var calc pricing.Calculator
	if cfg.Pricing.URL != "" {
		calc = pricing.NewClient(cfg.Pricing.URL, cfg.Pricing.Timeout)
		slog.Info("using external pricing service", "url", cfg.Pricing.URL)
	} else {
		calc = pricing.NewLocalCalculator(decimal.Zero)
		slog.Warn("pricing url not set, using built-in price calculator")
	}
	pricer := pricing.NewEngine(st, calc, hub, pricing.Options{
		DemandFloorKwh: decimal.NewFromFloat(*cfg.Pricing.DemandFloorKwh),
		MaxRetries:     cfg.Pricing.MaxRetries,
		RetryBackoff:   cfg.Pricing.RetryBackoff,
		SyncInterval:   cfg.Pricing.SyncInterval,
	})

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go pricer.RunDaily(rootCtx)

	// --- Simulation clock ---
	clock := sim.NewClock(st, hub, cfg.Simulation)
	go clock.Run(rootCtx)

	// --- Marketplace service ---
	eng := energy.NewEngine(st)
	limits := market.NewListingLimits(
		decimal.NewFromFloat(cfg.Market.MinListingKwh),
		decimal.NewFromFloat(cfg.Market.MaxListingKwh),
	)
	svc := market.NewService(st, eng, pricer, limits, hub)

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
		w.Write([]byte(`{"status":"ok","service":"energy-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time energy/price/trade updates.
		r.Get("/ws", hub.HandleWS)

		// Accounts.
		r.Post("/accounts", svc.Register)
		r.Get("/accounts/{accountID}", svc.GetAccount)
		r.Post("/accounts/{accountID}/transfer", svc.Transfer)

		// Listing marketplace.
		r.Get("/listings", svc.ListListings)
		r.Post("/listings", svc.CreateListing)
		r.Post("/listings/{listingID}/cancel", svc.CancelListing)
		r.Post("/listings/{listingID}/buy", svc.BuyListing)

		// Stock marketplace.
		r.Post("/stock/add", svc.AddStock)
		r.Post("/stock/withdraw", svc.WithdrawStock)
		r.Post("/stock/toggle", svc.ToggleSelling)
		r.Post("/stock/buy", svc.BuyFromStock)

		// Pricing and history.
		r.Get("/price", svc.GetPrice)
		r.Get("/transactions/{accountID}", svc.ListTransactions)
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
		slog.Info("energy-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down energy-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("energy-engine stopped")
}
