package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// rotate mirrors the pricing engine's rotation transaction: deactivate the
// current active set, then insert the replacement.
func rotate(t *testing.T, ms *MemoryStore, id string, until time.Time) {
	t.Helper()
	err := ms.Tx(context.Background(), func(tx Store) error {
		if err := tx.DeactivateActivePrices(context.Background(), until); err != nil {
			return err
		}
		return tx.InsertSystemPrice(context.Background(), &model.SystemPrice{
			ID:            id,
			FinalPrice:    decimal.NewFromInt(1500),
			IsActive:      true,
			EffectiveFrom: until,
		})
	})
	if err != nil {
		t.Fatalf("rotate %s: %v", id, err)
	}
}

func TestPriceRotation_SingleActiveRow(t *testing.T) {
	ms := NewMemoryStore()
	t1 := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(10 * time.Minute)

	rotate(t, ms, "p1", t1)
	rotate(t, ms, "p2", t2)

	if got := len(ms.state.prices); got != 2 {
		t.Fatalf("price rows = %d, want 2", got)
	}
	active := 0
	for _, p := range ms.state.prices {
		if p.IsActive {
			active++
			if p.ID != "p2" {
				t.Errorf("active row = %s, want p2", p.ID)
			}
		}
	}
	if active != 1 {
		t.Errorf("active rows = %d, want exactly 1", active)
	}
}

func TestPriceRotation_StampsEffectiveUntil(t *testing.T) {
	ms := NewMemoryStore()
	t1 := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(10 * time.Minute)

	rotate(t, ms, "p1", t1)
	rotate(t, ms, "p2", t2)

	for _, p := range ms.state.prices {
		switch p.ID {
		case "p1":
			if p.EffectiveUntil == nil || !p.EffectiveUntil.Equal(t2) {
				t.Errorf("displaced row effective_until = %v, want %v", p.EffectiveUntil, t2)
			}
		case "p2":
			if p.EffectiveUntil != nil {
				t.Errorf("active row effective_until = %v, want nil", p.EffectiveUntil)
			}
		}
	}
}
