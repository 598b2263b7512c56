package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:                id,
		Name:              "test-" + id,
		BatteryCurrentKwh: d(50),
		BatteryMaxKwh:     d(100),
		BatteryStatus:     model.BatteryIdle,
		MainPowerKwh:      d(66),
		WalletBalance:     d(100000),
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestTx_CommitAppliesAllWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "a")
	seedAccount(t, ms, "b")

	err := ms.Tx(ctx, func(tx store.Store) error {
		a, err := tx.GetAccountForUpdate(ctx, "a")
		if err != nil {
			return err
		}
		b, err := tx.GetAccountForUpdate(ctx, "b")
		if err != nil {
			return err
		}
		a.WalletBalance = a.WalletBalance.Sub(d(500))
		b.WalletBalance = b.WalletBalance.Add(d(500))
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, b)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	a, _ := ms.GetAccount(ctx, "a")
	b, _ := ms.GetAccount(ctx, "b")
	if !a.WalletBalance.Equal(d(99500)) || !b.WalletBalance.Equal(d(100500)) {
		t.Errorf("wallets = %s/%s, want 99500/100500", a.WalletBalance, b.WalletBalance)
	}
}

func TestTx_ErrorRollsBackEverything(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "a")

	boom := errors.New("boom")
	err := ms.Tx(ctx, func(tx store.Store) error {
		a, err := tx.GetAccountForUpdate(ctx, "a")
		if err != nil {
			return err
		}
		a.WalletBalance = decimal.Zero
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:        "log-1",
			AccountID: "a",
			Action:    "transfer",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	// Neither the account update nor the log survives.
	a, _ := ms.GetAccount(ctx, "a")
	if !a.WalletBalance.Equal(d(100000)) {
		t.Errorf("wallet = %s, want untouched 100000", a.WalletBalance)
	}
	logs, _ := ms.ListStorageLogs(ctx, "a", 10)
	if len(logs) != 0 {
		t.Errorf("logs = %d, want 0 after rollback", len(logs))
	}
}

func TestTx_MutationsInvisibleUntilCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, ms, "a")

	// Mutating the returned account outside a transaction must not leak
	// into the store.
	a, err := ms.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a.WalletBalance = decimal.Zero

	fresh, _ := ms.GetAccount(ctx, "a")
	if !fresh.WalletBalance.Equal(d(100000)) {
		t.Errorf("wallet = %s, aliased mutation leaked into store", fresh.WalletBalance)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetAccount(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestActivePriceRotation(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string) {
		t.Helper()
		err := ms.Tx(ctx, func(tx store.Store) error {
			if err := tx.DeactivateActivePrices(ctx, now); err != nil {
				return err
			}
			return tx.InsertSystemPrice(ctx, &model.SystemPrice{
				ID:            id,
				FinalPrice:    d(1500),
				IsActive:      true,
				EffectiveFrom: now,
			})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	insert("p1")
	insert("p2")

	active, err := ms.GetActivePrice(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "p2" {
		t.Errorf("active = %s, want p2", active.ID)
	}
}
