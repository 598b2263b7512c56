// Command pricesync runs a single manual price refresh against the
// configured store and exits. Unlike the scheduled refresh it counts only
// stock inventory as supply and applies no demand floor, matching the
// operator-facing sync behavior.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/config"
	"github.com/velscada/energy-engine/internal/pricing"
	"github.com/velscada/energy-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	if cfg.Database.URL == "" {
		slog.Error("database url is required for a manual price sync")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	var calc pricing.Calculator
	if cfg.Pricing.URL != "" {
		calc = pricing.NewClient(cfg.Pricing.URL, cfg.Pricing.Timeout)
	} else {
		calc = pricing.NewLocalCalculator(decimal.Zero)
	}
	engine := pricing.NewEngine(st, calc, nil, pricing.Options{
		DemandFloorKwh: decimal.NewFromFloat(*cfg.Pricing.DemandFloorKwh),
		MaxRetries:     cfg.Pricing.MaxRetries,
		RetryBackoff:   cfg.Pricing.RetryBackoff,
	})

	price, err := engine.Refresh(ctx, pricing.RefreshOptions{
		StockSupplyOnly: true,
		NoDemandFloor:   true,
	})
	if err != nil {
		slog.Error("price sync failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("price updated: final=%s multiplier=%s supply=%s demand=%s condition=%s\n",
		price.FinalPrice, price.Multiplier, price.SupplyKwh, price.DemandKwh, price.MarketCondition)
}
