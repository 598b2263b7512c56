// Package model defines the core domain types shared across the energy engine.
// All energy quantities and monetary values use shopspring/decimal; float64
// is never used for money or kWh.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Battery status values.
const (
	BatteryIdle        = "idle"
	BatteryCharging    = "charging"
	BatteryDischarging = "discharging"
)

// Listing status values. A listing is mutable only while "available";
// "sold" and "cancelled" are terminal.
const (
	ListingAvailable = "available"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
)

// Transaction status values.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxCancelled = "cancelled"
	TxFailed    = "failed"
)

// Transaction source values: which marketplace model produced the trade.
const (
	TradeSourceListing = "listing"
	TradeSourceStock   = "stock"
)

// Market condition labels derived from the supply/demand ratio.
const (
	ConditionHighSupply = "high_supply"
	ConditionBalanced   = "balanced"
	ConditionHighDemand = "high_demand"
)

// Solar source status.
const (
	SolarActive   = "active"
	SolarInactive = "inactive"
)

// Account registration defaults.
var (
	DefaultBatteryMaxKwh     = decimal.NewFromInt(100)
	DefaultBatteryCurrentKwh = decimal.NewFromInt(50)
	DefaultMainPowerKwh      = decimal.NewFromInt(66)
	DefaultWalletBalance     = decimal.NewFromInt(100000)
	DefaultSolarRatedOutput  = decimal.NewFromFloat(0.37) // kWh per hour
)

// Account is one prosumer's balances: battery, main-power buffer, and wallet.
// Invariants: 0 <= BatteryCurrentKwh <= BatteryMaxKwh, MainPowerKwh >= 0,
// WalletBalance >= 0.
type Account struct {
	ID                string          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	BatteryCurrentKwh decimal.Decimal `json:"battery_current_kwh" db:"battery_current_kwh"`
	BatteryMaxKwh     decimal.Decimal `json:"battery_max_kwh" db:"battery_max_kwh"`
	BatteryStatus     string          `json:"battery_status" db:"battery_status"`
	MainPowerKwh      decimal.Decimal `json:"main_power_kwh" db:"main_power_kwh"`
	WalletBalance     decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// BatteryPercent returns the battery charge level as a percentage.
func (a *Account) BatteryPercent() decimal.Decimal {
	if a.BatteryMaxKwh.IsZero() {
		return decimal.Zero
	}
	return a.BatteryCurrentKwh.Div(a.BatteryMaxKwh).Mul(decimal.NewFromInt(100)).Round(2)
}

// BatteryRemainingCapacity returns how many kWh the battery can still accept.
func (a *Account) BatteryRemainingCapacity() decimal.Decimal {
	return a.BatteryMaxKwh.Sub(a.BatteryCurrentKwh)
}

// SolarSource is the synthetic generation source attached to an account.
// Mutated only by the simulation clock.
type SolarSource struct {
	AccountID          string          `json:"account_id" db:"account_id"`
	RatedOutputPerHour decimal.Decimal `json:"rated_output_per_hour" db:"rated_output_per_hour"`
	CurrentOutput      decimal.Decimal `json:"current_output" db:"current_output"`
	Status             string          `json:"status" db:"status"`
}

// Listing is a discrete, fixed-quantity sell offer created from battery
// energy. The seller's battery is debited at creation; the energy lives in
// the listing until it is sold or cancelled.
type Listing struct {
	ID          string          `json:"id" db:"id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	EnergyKwh   decimal.Decimal `json:"energy_kwh" db:"energy_kwh"`
	PricePerKwh decimal.Decimal `json:"price_per_kwh" db:"price_per_kwh"` // snapshot at creation, informational
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
	Status      string          `json:"status" db:"status"`
	BuyerID     string          `json:"buyer_id,omitempty" db:"buyer_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	SoldAt      *time.Time      `json:"sold_at,omitempty" db:"sold_at"`
}

// StockOffer is the alternate continuous-inventory sell model: one per
// seller, replenished from the battery, depleted by sales or withdrawal.
// Invariant: IsSelling implies StockKwh >= 1.
type StockOffer struct {
	SellerID  string          `json:"seller_id" db:"seller_id"`
	StockKwh  decimal.Decimal `json:"stock_kwh" db:"stock_kwh"`
	IsSelling bool            `json:"is_selling" db:"is_selling"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a completed trade. Once created it is
// never modified except for status progression pending -> completed.
type Transaction struct {
	ID                 string          `json:"id" db:"id"`
	TxHash             string          `json:"tx_hash" db:"tx_hash"`
	SellerID           string          `json:"seller_id" db:"seller_id"`
	BuyerID            string          `json:"buyer_id" db:"buyer_id"`
	EnergyKwh          decimal.Decimal `json:"energy_kwh" db:"energy_kwh"`
	PricePerKwh        decimal.Decimal `json:"price_per_kwh" db:"price_per_kwh"`
	TotalPrice         decimal.Decimal `json:"total_price" db:"total_price"`
	SellerStockBefore  decimal.Decimal `json:"seller_stock_before" db:"seller_stock_before"`
	SellerStockAfter   decimal.Decimal `json:"seller_stock_after" db:"seller_stock_after"`
	BuyerBatteryBefore decimal.Decimal `json:"buyer_battery_before" db:"buyer_battery_before"`
	BuyerBatteryAfter  decimal.Decimal `json:"buyer_battery_after" db:"buyer_battery_after"`
	Status             string          `json:"status" db:"status"`
	Source             string          `json:"source" db:"source"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// SystemPrice is one row of the market-wide price history. At most one row is
// active at any time; rotation inserts a new active row and stamps
// EffectiveUntil on the displaced one. Rows are never updated in place.
type SystemPrice struct {
	ID                string          `json:"id" db:"id"`
	BasePrice         decimal.Decimal `json:"base_price" db:"base_price"`
	Multiplier        decimal.Decimal `json:"multiplier" db:"multiplier"`
	FinalPrice        decimal.Decimal `json:"final_price" db:"final_price"`
	SupplyKwh         decimal.Decimal `json:"supply_kwh" db:"supply_kwh"`
	DemandKwh         decimal.Decimal `json:"demand_kwh" db:"demand_kwh"`
	SupplyDemandRatio decimal.Decimal `json:"supply_demand_ratio" db:"supply_demand_ratio"`
	MarketCondition   string          `json:"market_condition" db:"market_condition"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	EffectiveFrom     time.Time       `json:"effective_from" db:"effective_from"`
	EffectiveUntil    *time.Time      `json:"effective_until,omitempty" db:"effective_until"`
}

// StorageLog is an append-only record of a balance-affecting event, used for
// historical charting. Not authoritative state.
type StorageLog struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Action       string          `json:"action" db:"action"` // transfer, sell, buy, charging, stock_add, stock_withdraw, simulation
	BatteryKwh   decimal.Decimal `json:"battery_kwh" db:"battery_kwh"`
	MainPowerKwh decimal.Decimal `json:"main_power_kwh" db:"main_power_kwh"`
	SolarOutput  decimal.Decimal `json:"solar_output" db:"solar_output"`
	RecordedAt   time.Time       `json:"recorded_at" db:"recorded_at"`
}

// ScadaReading is a synthesized electrical reading derived deterministically
// from the consumption wattage. Telemetry only.
type ScadaReading struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Voltage       decimal.Decimal `json:"voltage" db:"voltage"`
	Current       decimal.Decimal `json:"current" db:"current"`
	ActivePower   decimal.Decimal `json:"active_power" db:"active_power"`
	ReactivePower decimal.Decimal `json:"reactive_power" db:"reactive_power"`
	Frequency     decimal.Decimal `json:"frequency" db:"frequency"`
	PowerFactor   decimal.Decimal `json:"power_factor" db:"power_factor"`
	GridStatus    string          `json:"grid_status" db:"grid_status"`
	RecordedAt    time.Time       `json:"recorded_at" db:"recorded_at"`
}
