package pricing

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// Market condition thresholds on the supply/demand ratio.
var (
	highSupplyRatio = decimal.NewFromFloat(1.5)
	highDemandRatio = decimal.NewFromFloat(0.67)
)

// LocalCalculator implements the supply/demand pricing curve in-process.
// It is the fallback when no external pricing service is configured and
// mirrors that service's contract exactly.
//
// The multiplier follows a sigmoid over the log of the supply/demand ratio:
// more supply pushes the price toward MinMultiplier, more demand toward
// MaxMultiplier, balanced markets sit at 1.0. Transcendental math runs in
// float64 with the result immediately converted back to decimal.
type LocalCalculator struct {
	base decimal.Decimal
}

// NewLocalCalculator creates a calculator with the given base price.
// A zero base selects DefaultBasePrice.
func NewLocalCalculator(base decimal.Decimal) *LocalCalculator {
	if !base.IsPositive() {
		base = DefaultBasePrice
	}
	return &LocalCalculator{base: base}
}

// Calculate computes the multiplier, final price, and market condition.
func (c *LocalCalculator) Calculate(_ context.Context, supplyKwh, demandKwh decimal.Decimal) (*Result, error) {
	multiplier, condition := multiplierFor(supplyKwh, demandKwh)

	ratio := decimal.Zero
	if demandKwh.IsPositive() {
		ratio = supplyKwh.Div(demandKwh).Round(4)
	}

	return &Result{
		BasePrice:         c.base,
		Multiplier:        multiplier,
		FinalPrice:        c.base.Mul(multiplier).Round(2),
		SupplyKwh:         supplyKwh,
		DemandKwh:         demandKwh,
		SupplyDemandRatio: ratio,
		MarketCondition:   condition,
	}, nil
}

// multiplierFor maps the supply/demand ratio to a bounded multiplier.
// Degenerate inputs short-circuit: no market at all is balanced at 1.0,
// demand without supply pins the ceiling, supply without demand the floor.
func multiplierFor(supply, demand decimal.Decimal) (decimal.Decimal, string) {
	switch {
	case !supply.IsPositive() && !demand.IsPositive():
		return decimal.NewFromInt(1), model.ConditionBalanced
	case !supply.IsPositive():
		return MaxMultiplier, model.ConditionHighDemand
	case !demand.IsPositive():
		return MinMultiplier, model.ConditionHighSupply
	}

	ratio := supply.Div(demand)

	// Sigmoid over log(ratio), centered at ratio 1.0 where the multiplier
	// is the midpoint of [min, max]. k controls transition steepness.
	const k = 0.5
	logRatio := math.Log(ratio.InexactFloat64())
	sigmoid := 1 / (1 + math.Exp(k*logRatio))

	span := MaxMultiplier.Sub(MinMultiplier)
	multiplier := MinMultiplier.Add(span.Mul(decimal.NewFromFloat(sigmoid))).Round(4)

	condition := model.ConditionBalanced
	if ratio.GreaterThan(highSupplyRatio) {
		condition = model.ConditionHighSupply
	} else if ratio.LessThan(highDemandRatio) {
		condition = model.ConditionHighDemand
	}
	return multiplier, condition
}
