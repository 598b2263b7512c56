package market

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when a listing is smaller than the
	// marketplace minimum.
	ErrBelowMinimum = errors.New("market: listing below minimum size")

	// ErrAboveMaximum is returned when a listing is larger than the
	// marketplace maximum.
	ErrAboveMaximum = errors.New("market: listing above maximum size")
)

// ListingLimits bounds the size of a single listing. The defaults of
// 1–50 kWh keep individual offers small relative to battery capacity so the
// marketplace stays liquid.
type ListingLimits struct {
	// MinKwh is the smallest listing the marketplace accepts.
	MinKwh decimal.Decimal

	// MaxKwh is the largest listing the marketplace accepts.
	MaxKwh decimal.Decimal
}

// NewListingLimits creates limits with the given bounds. Non-positive
// bounds fall back to the 1–50 kWh defaults.
func NewListingLimits(minKwh, maxKwh decimal.Decimal) *ListingLimits {
	if !minKwh.IsPositive() {
		minKwh = decimal.NewFromInt(1)
	}
	if !maxKwh.IsPositive() {
		maxKwh = decimal.NewFromInt(50)
	}
	return &ListingLimits{MinKwh: minKwh, MaxKwh: maxKwh}
}

// Check validates a listing size against the bounds.
func (l *ListingLimits) Check(amountKwh decimal.Decimal) error {
	if amountKwh.LessThan(l.MinKwh) {
		return ErrBelowMinimum
	}
	if amountKwh.GreaterThan(l.MaxKwh) {
		return ErrAboveMaximum
	}
	return nil
}
