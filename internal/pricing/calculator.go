// Package pricing maintains the single active system price. Aggregate supply
// and trailing demand are fed to a price calculator (normally a remote
// service, with a built-in local curve as fallback) and the result is
// published as a new active SystemPrice row.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Default pricing constants (PLN R-1/TR 1.300 VA base rate).
var (
	DefaultBasePrice = decimal.NewFromFloat(1444.70)
	MinMultiplier    = decimal.NewFromFloat(0.8) // high supply, low demand
	MaxMultiplier    = decimal.NewFromFloat(1.3) // low supply, high demand
)

// Result is the outcome of a price calculation.
type Result struct {
	BasePrice         decimal.Decimal
	Multiplier        decimal.Decimal
	FinalPrice        decimal.Decimal
	SupplyKwh         decimal.Decimal
	DemandKwh         decimal.Decimal
	SupplyDemandRatio decimal.Decimal
	MarketCondition   string
}

// Calculator computes a price from aggregate supply and trailing demand.
// Implementations: Client (remote service) and LocalCalculator.
type Calculator interface {
	Calculate(ctx context.Context, supplyKwh, demandKwh decimal.Decimal) (*Result, error)
}
