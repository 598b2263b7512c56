package market_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/market"
)

func TestListingLimits(t *testing.T) {
	limits := market.NewListingLimits(d(1), d(50))

	tests := []struct {
		amount  float64
		wantErr error
	}{
		{0.5, market.ErrBelowMinimum},
		{1, nil},
		{25, nil},
		{50, nil},
		{50.01, market.ErrAboveMaximum},
		{-3, market.ErrBelowMinimum},
	}
	for _, tt := range tests {
		err := limits.Check(d(tt.amount))
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Check(%v) = %v, want %v", tt.amount, err, tt.wantErr)
		}
	}
}

func TestNewListingLimits_Defaults(t *testing.T) {
	limits := market.NewListingLimits(decimal.Zero, decimal.Zero)
	if !limits.MinKwh.Equal(d(1)) || !limits.MaxKwh.Equal(d(50)) {
		t.Errorf("defaults = %s/%s, want 1/50", limits.MinKwh, limits.MaxKwh)
	}
}
