package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/event"
	"github.com/velscada/energy-engine/internal/metrics"
	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/store"
)

// demandWindow is the trailing window over completed trades that counts as
// demand.
const demandWindow = 24 * time.Hour

// Engine maintains the single active SystemPrice. Supply and demand are read
// before the calculator call, the call runs with no database locks held, and
// the rotation writes afterwards in one transaction.
type Engine struct {
	store        store.Store
	calc         Calculator
	hub          *event.Hub
	demandFloor  decimal.Decimal
	maxRetries   int
	retryBackoff time.Duration
	syncInterval time.Duration
}

// Options configure an Engine.
type Options struct {
	DemandFloorKwh decimal.Decimal // applied unless a refresh opts out; zero disables the floor
	MaxRetries     int             // scheduled-refresh attempts; zero → 3
	RetryBackoff   time.Duration   // fixed backoff between attempts; zero → 5s
	SyncInterval   time.Duration   // catch-all refresh period; zero → 24h
}

// NewEngine creates a pricing engine. Pass nil for hub if broadcasting is
// not needed.
func NewEngine(st store.Store, calc Calculator, hub *event.Hub, opts Options) *Engine {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = demandWindow
	}
	return &Engine{
		store:        st,
		calc:         calc,
		hub:          hub,
		demandFloor:  opts.DemandFloorKwh,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		syncInterval: opts.SyncInterval,
	}
}

// RefreshOptions select the aggregation rules for one refresh.
//
// The manual sync path historically reads only stock-model supply and skips
// the demand floor, producing different prices than the job path for the
// same data. That inconsistency is preserved deliberately; see DESIGN.md.
type RefreshOptions struct {
	StockSupplyOnly bool
	NoDemandFloor   bool
}

// Refresh recomputes and publishes a new active price. On any failure the
// previous price stays active and no state changes.
func (e *Engine) Refresh(ctx context.Context, opts RefreshOptions) (*model.SystemPrice, error) {
	supply, err := e.totalSupply(ctx, opts.StockSupplyOnly)
	if err != nil {
		return nil, err
	}

	demand, err := e.store.SumCompletedEnergySince(ctx, time.Now().UTC().Add(-demandWindow))
	if err != nil {
		return nil, err
	}
	if !opts.NoDemandFloor && demand.LessThan(e.demandFloor) {
		demand = e.demandFloor
	}

	// The external call is the only slow step; no locks are held across it.
	res, err := e.calc.Calculate(ctx, supply, demand)
	if err != nil {
		metrics.PriceSyncs.WithLabelValues("failure").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	price := &model.SystemPrice{
		ID:                uuid.New().String(),
		BasePrice:         res.BasePrice,
		Multiplier:        res.Multiplier,
		FinalPrice:        res.FinalPrice,
		SupplyKwh:         res.SupplyKwh,
		DemandKwh:         res.DemandKwh,
		SupplyDemandRatio: res.SupplyDemandRatio,
		MarketCondition:   res.MarketCondition,
		IsActive:          true,
		EffectiveFrom:     now,
	}

	err = e.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.DeactivateActivePrices(ctx, now); err != nil {
			return err
		}
		return tx.InsertSystemPrice(ctx, price)
	})
	if err != nil {
		metrics.PriceSyncs.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.PriceSyncs.WithLabelValues("success").Inc()
	metrics.SystemPrice.Set(price.FinalPrice.InexactFloat64())

	slog.Info("system price updated",
		"final_price", price.FinalPrice.String(),
		"multiplier", price.Multiplier.String(),
		"condition", price.MarketCondition,
		"supply_kwh", supply.String(),
		"demand_kwh", demand.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(event.Message{Type: event.TypePriceUpdated, Data: price})
	}
	return price, nil
}

// RefreshAsync fires a refresh in the background after a settlement changed
// supply or demand. Failures are logged and skipped; the trade that
// triggered the refresh has already committed.
func (e *Engine) RefreshAsync(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.Refresh(ctx, RefreshOptions{}); err != nil {
			slog.Error("price refresh skipped", "reason", reason, "err", err)
		}
	}()
}

// RefreshWithRetry attempts a refresh with bounded retries and fixed
// backoff, then gives up for this cycle leaving the old price active.
func (e *Engine) RefreshWithRetry(ctx context.Context) (*model.SystemPrice, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		price, err := e.Refresh(ctx, RefreshOptions{})
		if err == nil {
			return price, nil
		}
		lastErr = err
		slog.Warn("price refresh attempt failed",
			"attempt", attempt, "max", e.maxRetries, "err", err)

		if attempt < e.maxRetries {
			select {
			case <-time.After(e.retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// RunDaily runs the catch-all scheduled refresh until ctx is cancelled.
func (e *Engine) RunDaily(ctx context.Context) {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RefreshWithRetry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduled price refresh gave up", "err", err)
			}
		}
	}
}

func (e *Engine) totalSupply(ctx context.Context, stockOnly bool) (decimal.Decimal, error) {
	stock, err := e.store.SumSellingStock(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if stockOnly {
		return stock, nil
	}
	listings, err := e.store.SumAvailableListingEnergy(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return listings.Add(stock), nil
}

// CurrentFinalPrice returns the active price per kWh, or the default base
// rate when no price row exists yet.
func CurrentFinalPrice(ctx context.Context, st store.Store) decimal.Decimal {
	p, err := st.GetActivePrice(ctx)
	if err != nil {
		return DefaultBasePrice
	}
	return p.FinalPrice
}
