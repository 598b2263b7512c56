// Package energy implements the balance engine: invariant-preserving moves
// of energy between an account's battery, main-power buffer, and marketplace
// stock. Energy is never created or destroyed except where solar generation
// injects it and where an overfull battery clamps the excess away.
package energy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned when an operation amount is zero or negative.
	ErrInvalidAmount = errors.New("energy: amount must be positive")

	// ErrInsufficientEnergy is returned when the battery holds less than the
	// requested amount.
	ErrInsufficientEnergy = errors.New("energy: insufficient battery energy")

	// ErrExceedsCapacity is returned when energy moving into a battery would
	// overflow its maximum capacity.
	ErrExceedsCapacity = errors.New("energy: amount exceeds remaining battery capacity")

	// ErrInsufficientStock is returned when a stock offer holds less than the
	// requested amount.
	ErrInsufficientStock = errors.New("energy: insufficient stock")
)

// minSellingStock is the floor below which a stock offer cannot stay listed.
var minSellingStock = decimal.NewFromInt(1)

// ApplySolarCharge adds generated energy to the battery, clamped at max
// capacity. Excess solar is lost, not stored elsewhere. Returns the amount
// actually stored. Battery status becomes charging when amount > 0, idle
// otherwise.
func ApplySolarCharge(a *model.Account, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		a.BatteryStatus = model.BatteryIdle
		return decimal.Zero
	}
	stored := amount
	if room := a.BatteryRemainingCapacity(); stored.GreaterThan(room) {
		stored = room
	}
	a.BatteryCurrentKwh = a.BatteryCurrentKwh.Add(stored)
	a.BatteryStatus = model.BatteryCharging
	return stored
}

// ApplyTransfer moves energy one way from battery to main power. There is no
// inverse operation: transferred energy cannot return to the battery.
func ApplyTransfer(a *model.Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(a.BatteryCurrentKwh) {
		return ErrInsufficientEnergy
	}
	a.BatteryCurrentKwh = a.BatteryCurrentKwh.Sub(amount)
	a.MainPowerKwh = a.MainPowerKwh.Add(amount)
	a.BatteryStatus = model.BatteryDischarging
	return nil
}

// ApplyConsumption debits main power, floored at zero. A real meter would
// flag token exhaustion; this simulation silently floors instead. Returns
// the amount actually consumed.
func ApplyConsumption(a *model.Account, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	consumed := amount
	if consumed.GreaterThan(a.MainPowerKwh) {
		consumed = a.MainPowerKwh
	}
	a.MainPowerKwh = a.MainPowerKwh.Sub(consumed)
	return consumed
}

// ApplyBatteryToStock moves energy from the battery into the seller's stock
// offer. Stock has no capacity cap.
func ApplyBatteryToStock(a *model.Account, o *model.StockOffer, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(a.BatteryCurrentKwh) {
		return ErrInsufficientEnergy
	}
	a.BatteryCurrentKwh = a.BatteryCurrentKwh.Sub(amount)
	o.StockKwh = o.StockKwh.Add(amount)
	return nil
}

// ApplyStockToBattery moves energy from the stock offer back into the
// battery, enforcing both the stock balance and the battery's remaining
// capacity. Dropping below 1 kWh forces the offer off the market.
func ApplyStockToBattery(a *model.Account, o *model.StockOffer, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(o.StockKwh) {
		return ErrInsufficientStock
	}
	if amount.GreaterThan(a.BatteryRemainingCapacity()) {
		return ErrExceedsCapacity
	}
	o.StockKwh = o.StockKwh.Sub(amount)
	a.BatteryCurrentKwh = a.BatteryCurrentKwh.Add(amount)
	EnforceSellingFloor(o)
	return nil
}

// EnforceSellingFloor disables selling when stock drops below 1 kWh.
func EnforceSellingFloor(o *model.StockOffer) {
	if o.IsSelling && o.StockKwh.LessThan(minSellingStock) {
		o.IsSelling = false
	}
}

// Engine is the store-backed balance engine for the standalone operations
// that presentation invokes directly.
type Engine struct {
	store store.Store
}

// StatusSnapshot bundles an account's live energy state for presentation:
// balances, solar source, stock offer, and recent storage history.
type StatusSnapshot struct {
	Account        *model.Account     `json:"account"`
	BatteryPercent decimal.Decimal    `json:"battery_percent"`
	Solar          *model.SolarSource `json:"solar"`
	Stock          *model.StockOffer  `json:"stock"`
	History        []model.StorageLog `json:"history"`
}

// NewEngine creates a balance engine on top of the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// TransferToMainPower atomically moves amount kWh from the account's battery
// to its main-power buffer and appends a storage log entry. The battery is
// transiently marked discharging and settles back to idle within the same
// transaction.
func (e *Engine) TransferToMainPower(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error) {
	var out *model.Account
	err := e.store.Tx(ctx, func(tx store.Store) error {
		a, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if err := ApplyTransfer(a, amount); err != nil {
			return err
		}
		a.BatteryStatus = model.BatteryIdle
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    a.ID,
			Action:       "transfer",
			BatteryKwh:   a.BatteryCurrentKwh,
			MainPowerKwh: a.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("battery transfer",
		"account", accountID,
		"amount_kwh", amount.String(),
		"battery_kwh", out.BatteryCurrentKwh.String(),
		"main_power_kwh", out.MainPowerKwh.String(),
	)
	return out, nil
}

// statusHistoryLimit caps how many storage log entries the status read
// returns for charting.
const statusHistoryLimit = 30

// Status reads the account's full energy snapshot. Missing solar sources or
// stock offers are tolerated (nil in the snapshot) so partially provisioned
// accounts still report their balances.
func (e *Engine) Status(ctx context.Context, accountID string) (*StatusSnapshot, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap := &StatusSnapshot{
		Account:        a,
		BatteryPercent: a.BatteryPercent(),
	}
	if solar, err := e.store.GetSolarSource(ctx, accountID); err == nil {
		snap.Solar = solar
	}
	if stock, err := e.store.GetStockOffer(ctx, accountID); err == nil {
		snap.Stock = stock
	}
	if logs, err := e.store.ListStorageLogs(ctx, accountID, statusHistoryLimit); err == nil {
		snap.History = logs
	}
	return snap, nil
}
