// Package sim runs the simulation clock: a fixed-interval tick that credits
// solar generation and debits household consumption for every account,
// synthesizes SCADA telemetry, and broadcasts the resulting snapshots.
package sim

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/config"
	"github.com/velscada/energy-engine/internal/energy"
	"github.com/velscada/energy-engine/internal/event"
	"github.com/velscada/energy-engine/internal/metrics"
	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/store"
)

// Synthesized electrical constants for SCADA readings.
var (
	scadaVoltage     = decimal.NewFromInt(220)
	scadaFrequency   = decimal.NewFromInt(50)
	scadaPowerFactor = decimal.NewFromFloat(0.95)
	reactiveFraction = decimal.NewFromFloat(0.1)
)

// Clock advances every account's energy balances on a fixed interval.
// Deltas scale linearly with the interval: rate_per_hour * interval / 3600.
type Clock struct {
	store store.Store
	hub   *event.Hub
	cfg   config.SimulationConfig

	solarRate       decimal.Decimal // kWh per hour
	consumptionRate decimal.Decimal // kWh per hour
	intervalFactor  decimal.Decimal // interval seconds / 3600
	daylightStart   int
	daylightEnd     int
}

// NewClock creates a simulation clock. hub may be nil. Unset daylight hours
// fall back to the 06-18 window.
func NewClock(st store.Store, hub *event.Hub, cfg config.SimulationConfig) *Clock {
	start, end := 6, 18
	if cfg.DaylightStartHour != nil {
		start = *cfg.DaylightStartHour
	}
	if cfg.DaylightEndHour != nil {
		end = *cfg.DaylightEndHour
	}
	return &Clock{
		store:           st,
		hub:             hub,
		cfg:             cfg,
		solarRate:       decimal.NewFromFloat(cfg.SolarOutputPerHour),
		consumptionRate: decimal.NewFromFloat(cfg.ConsumptionPerHour),
		intervalFactor:  decimal.NewFromFloat(cfg.Interval.Seconds()).Div(decimal.NewFromInt(3600)),
		daylightStart:   start,
		daylightEnd:     end,
	}
}

// Run ticks until the context is cancelled. The first tick fires after one
// full interval, not at startup.
func (c *Clock) Run(ctx context.Context) {
	slog.Info("simulation clock started",
		"interval", c.cfg.Interval.String(),
		"solar_per_hour", c.solarRate.String(),
		"consumption_per_hour", c.consumptionRate.String(),
		"daylight_gate", c.cfg.DaylightGate,
		"preview", c.cfg.Preview,
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("simulation clock stopped")
			return
		case now := <-ticker.C:
			c.Tick(ctx, now.UTC())
		}
	}
}

// Tick advances every account by one interval. Each account runs in its own
// transaction; a failure for one account never blocks the others.
func (c *Clock) Tick(ctx context.Context, now time.Time) {
	started := time.Now()

	ids, err := c.store.ListAccountIDs(ctx)
	if err != nil {
		slog.Error("simulation tick: listing accounts failed", "error", err)
		return
	}

	for _, id := range ids {
		if err := c.tickAccount(ctx, id, now); err != nil {
			metrics.SimulationAccountErrors.Inc()
			slog.Error("simulation tick: account failed", "account", id, "error", err)
		}
	}

	metrics.SimulationTicks.Inc()
	metrics.SimulationTickDuration.Observe(time.Since(started).Seconds())
	slog.Info("simulation tick complete", "accounts", len(ids), "elapsed", time.Since(started).String())
}

// Daylight reports whether solar generation is active at the given time.
// With the gate disabled the sun always shines, which keeps the demo moving.
func (c *Clock) Daylight(now time.Time) bool {
	if !c.cfg.DaylightGate {
		return true
	}
	h := now.Hour()
	return h >= c.daylightStart && h < c.daylightEnd
}

func (c *Clock) tickAccount(ctx context.Context, accountID string, now time.Time) error {
	var snapshot event.Message

	apply := func(tx store.Store) error {
		account, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		solar, err := tx.GetSolarSource(ctx, accountID)
		if err != nil {
			return err
		}

		solarRate := c.solarRate
		if !solar.RatedOutputPerHour.IsZero() {
			solarRate = solar.RatedOutputPerHour
		}

		solarDelta := decimal.Zero
		if c.Daylight(now) {
			solarDelta = solarRate.Mul(c.intervalFactor)
		}
		consumptionDelta := c.consumptionRate.Mul(c.intervalFactor)

		stored := energy.ApplySolarCharge(account, solarDelta)
		consumed := energy.ApplyConsumption(account, consumptionDelta)

		solar.CurrentOutput = solarDelta
		solar.Status = model.SolarInactive
		if solarDelta.IsPositive() {
			solar.Status = model.SolarActive
		}

		reading := synthesizeReading(accountID, c.consumptionRate, now)

		snapshot = event.Message{
			Type:      event.TypeEnergyUpdated,
			AccountID: accountID,
			Data: map[string]any{
				"solar_interval_kwh": solarDelta,
				"solar_stored_kwh":   stored,
				"solar_per_hour":     solarRate,
				"consumed_kwh":       consumed,
				"battery_level":      account.BatteryCurrentKwh,
				"battery_percentage": account.BatteryPercent(),
				"battery_status":     account.BatteryStatus,
				"main_power":         account.MainPowerKwh,
				"scada":              reading,
				"timestamp":          now,
			},
		}

		// Preview mode computes and broadcasts without persisting anything.
		if c.cfg.Preview {
			return nil
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := tx.UpdateSolarSource(ctx, solar); err != nil {
			return err
		}
		if err := tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Action:       "simulation",
			BatteryKwh:   account.BatteryCurrentKwh,
			MainPowerKwh: account.MainPowerKwh,
			SolarOutput:  solarDelta,
			RecordedAt:   now,
		}); err != nil {
			return err
		}
		return tx.InsertScadaReading(ctx, reading)
	}

	var err error
	if c.cfg.Preview {
		// No transaction needed when nothing persists.
		err = apply(c.store)
	} else {
		err = c.store.Tx(ctx, apply)
	}
	if err != nil {
		return err
	}

	if c.hub != nil {
		c.hub.Broadcast(snapshot)
	}
	return nil
}

// synthesizeReading derives a full electrical reading from the consumption
// rate alone: watts = kWh/h * 1000 at a nominal 220 V, 50 Hz grid.
func synthesizeReading(accountID string, consumptionPerHour decimal.Decimal, now time.Time) *model.ScadaReading {
	watts := consumptionPerHour.Mul(decimal.NewFromInt(1000))
	return &model.ScadaReading{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Voltage:       scadaVoltage,
		Current:       watts.Div(scadaVoltage).Round(2),
		ActivePower:   watts,
		ReactivePower: watts.Mul(reactiveFraction).Round(2),
		Frequency:     scadaFrequency,
		PowerFactor:   scadaPowerFactor,
		GridStatus:    "connected",
		RecordedAt:    now,
	}
}
