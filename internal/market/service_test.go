package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/energy"
	"github.com/velscada/energy-engine/internal/market"
	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*market.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := energy.NewEngine(ms)
	svc := market.NewService(ms, eng, nil, market.NewListingLimits(d(1), d(50)), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.Register)
	r.Get("/api/v1/accounts/{accountID}", svc.GetAccount)
	r.Post("/api/v1/accounts/{accountID}/transfer", svc.Transfer)
	r.Get("/api/v1/listings", svc.ListListings)
	r.Post("/api/v1/listings", svc.CreateListing)
	r.Post("/api/v1/listings/{listingID}/cancel", svc.CancelListing)
	r.Post("/api/v1/listings/{listingID}/buy", svc.BuyListing)
	r.Post("/api/v1/stock/add", svc.AddStock)
	r.Post("/api/v1/stock/withdraw", svc.WithdrawStock)
	r.Post("/api/v1/stock/toggle", svc.ToggleSelling)
	r.Post("/api/v1/stock/buy", svc.BuyFromStock)
	r.Get("/api/v1/price", svc.GetPrice)
	r.Get("/api/v1/transactions/{accountID}", svc.ListTransactions)

	return svc, ms, r
}

// seedAccount creates a test account directly in the store.
func seedAccount(t *testing.T, ms *store.MemoryStore, id string, battery, wallet float64) *model.Account {
	t.Helper()
	ctx := context.Background()
	a := &model.Account{
		ID:                id,
		Name:              "test-" + id,
		BatteryCurrentKwh: d(battery),
		BatteryMaxKwh:     d(100),
		BatteryStatus:     model.BatteryIdle,
		MainPowerKwh:      d(66),
		WalletBalance:     d(wallet),
		CreatedAt:         time.Now().UTC(),
	}
	if err := ms.CreateAccount(ctx, a); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	if err := ms.CreateStockOffer(ctx, &model.StockOffer{SellerID: id}); err != nil {
		t.Fatalf("failed to seed stock offer: %v", err)
	}
	return a
}

// seedPrice installs an active system price so trades settle at a known rate.
func seedPrice(t *testing.T, ms *store.MemoryStore, finalPrice float64) {
	t.Helper()
	err := ms.InsertSystemPrice(context.Background(), &model.SystemPrice{
		ID:              "price-test",
		BasePrice:       d(finalPrice),
		Multiplier:      d(1),
		FinalPrice:      d(finalPrice),
		MarketCondition: model.ConditionBalanced,
		IsActive:        true,
		EffectiveFrom:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed price: %v", err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Registration ---

func TestRegister(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", market.RegisterRequest{Name: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}

	var a model.Account
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !a.BatteryCurrentKwh.Equal(d(50)) || !a.BatteryMaxKwh.Equal(d(100)) {
		t.Errorf("battery = %s/%s, want 50/100", a.BatteryCurrentKwh, a.BatteryMaxKwh)
	}
	if !a.WalletBalance.Equal(d(100000)) {
		t.Errorf("wallet = %s, want 100000", a.WalletBalance)
	}

	// Registration also provisions a solar source and an empty stock offer.
	ctx := context.Background()
	if _, err := ms.GetSolarSource(ctx, a.ID); err != nil {
		t.Errorf("solar source missing: %v", err)
	}
	offer, err := ms.GetStockOffer(ctx, a.ID)
	if err != nil {
		t.Fatalf("stock offer missing: %v", err)
	}
	if offer.IsSelling || !offer.StockKwh.IsZero() {
		t.Errorf("stock offer = %+v, want empty and not selling", offer)
	}
}

func TestRegister_RequiresName(t *testing.T) {
	_, _, router := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/accounts", market.RegisterRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Listing lifecycle ---

func TestCreateListing(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 100000)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID:  "seller",
		EnergyKwh: d(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}

	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)
	if l.Status != model.ListingAvailable {
		t.Errorf("status = %s, want available", l.Status)
	}

	// The seller's battery is debited at creation.
	a, _ := ms.GetAccount(context.Background(), "seller")
	if !a.BatteryCurrentKwh.Equal(d(40)) {
		t.Errorf("seller battery = %s, want 40", a.BatteryCurrentKwh)
	}
}

func TestCreateListing_Limits(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 90, 100000)

	for _, amount := range []float64{0.5, 51} {
		w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
			SellerID:  "seller",
			EnergyKwh: d(amount),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("listing %v kWh: status = %d, want 400", amount, w.Code)
		}
	}
}

func TestCreateListing_InsufficientBattery(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 5, 100000)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID:  "seller",
		EnergyKwh: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	// Battery untouched on rejection.
	a, _ := ms.GetAccount(context.Background(), "seller")
	if !a.BatteryCurrentKwh.Equal(d(5)) {
		t.Errorf("battery = %s, want 5", a.BatteryCurrentKwh)
	}
}

func TestCancelListing_ReturnsEnergy(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 100000)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(10),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/cancel",
		market.ListingActionRequest{AccountID: "seller"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body)
	}

	a, _ := ms.GetAccount(context.Background(), "seller")
	if !a.BatteryCurrentKwh.Equal(d(50)) {
		t.Errorf("battery = %s, want 50 after cancel", a.BatteryCurrentKwh)
	}

	// Cancelled is terminal: a second cancel fails.
	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/cancel",
		market.ListingActionRequest{AccountID: "seller"})
	if w.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d, want 409", w.Code)
	}
}

func TestCancelListing_WrongOwner(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 100000)
	seedAccount(t, ms, "other", 50, 100000)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(10),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/cancel",
		market.ListingActionRequest{AccountID: "other"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestBuyListing_SettlesAtLivePrice(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)
	seedAccount(t, ms, "buyer", 20, 10000)
	seedPrice(t, ms, 1500)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(5),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/buy",
		market.ListingActionRequest{AccountID: "buyer"})
	if w.Code != http.StatusOK {
		t.Fatalf("buy status = %d: %s", w.Code, w.Body)
	}

	var tx model.Transaction
	json.Unmarshal(w.Body.Bytes(), &tx)
	if !tx.TotalPrice.Equal(d(7500)) {
		t.Errorf("total = %s, want 7500 (5 kWh at live 1500)", tx.TotalPrice)
	}
	if tx.Status != model.TxCompleted || tx.Source != model.TradeSourceListing {
		t.Errorf("tx status/source = %s/%s", tx.Status, tx.Source)
	}
	if len(tx.TxHash) != 66 || tx.TxHash[:2] != "0x" {
		t.Errorf("tx hash = %q, want 0x + 64 hex", tx.TxHash)
	}

	ctx := context.Background()
	buyer, _ := ms.GetAccount(ctx, "buyer")
	seller, _ := ms.GetAccount(ctx, "seller")
	if !buyer.WalletBalance.Equal(d(2500)) {
		t.Errorf("buyer wallet = %s, want 2500", buyer.WalletBalance)
	}
	if !buyer.BatteryCurrentKwh.Equal(d(25)) {
		t.Errorf("buyer battery = %s, want 25", buyer.BatteryCurrentKwh)
	}
	if !seller.WalletBalance.Equal(d(8500)) {
		t.Errorf("seller wallet = %s, want 8500", seller.WalletBalance)
	}
	// Seller battery stays at 45: the energy left at listing creation.
	if !seller.BatteryCurrentKwh.Equal(d(45)) {
		t.Errorf("seller battery = %s, want 45", seller.BatteryCurrentKwh)
	}
}

func TestBuyListing_SelfTradeRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 100000)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(5),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/buy",
		market.ListingActionRequest{AccountID: "seller"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestBuyListing_InsufficientFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)
	seedAccount(t, ms, "buyer", 20, 100)
	seedPrice(t, ms, 1500)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(5),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	w = doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/buy",
		market.ListingActionRequest{AccountID: "buyer"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	// Nothing moves on rejection.
	buyer, _ := ms.GetAccount(context.Background(), "buyer")
	if !buyer.WalletBalance.Equal(d(100)) || !buyer.BatteryCurrentKwh.Equal(d(20)) {
		t.Errorf("buyer mutated: wallet=%s battery=%s", buyer.WalletBalance, buyer.BatteryCurrentKwh)
	}
	listing, _ := ms.GetListing(context.Background(), l.ID)
	if listing.Status != model.ListingAvailable {
		t.Errorf("listing status = %s, want still available", listing.Status)
	}
}

func TestBuyListing_NoDoubleSale(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)
	seedPrice(t, ms, 10)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(5),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)

	const buyers = 8
	for i := 0; i < buyers; i++ {
		seedAccount(t, ms, fmt.Sprintf("buyer-%d", i), 20, 10000)
	}

	var wg sync.WaitGroup
	codes := make([]int, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/buy",
				market.ListingActionRequest{AccountID: fmt.Sprintf("buyer-%d", i)})
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, code := range codes {
		if code == http.StatusOK {
			wins++
		} else if code != http.StatusConflict {
			t.Errorf("unexpected status %d", code)
		}
	}
	if wins != 1 {
		t.Fatalf("listing sold %d times, want exactly 1", wins)
	}

	// Exactly one completed transaction exists for the seller.
	txs, _ := ms.ListTransactionsByAccount(context.Background(), "seller")
	if len(txs) != 1 {
		t.Errorf("seller transactions = %d, want 1", len(txs))
	}
}

// --- Stock marketplace ---

func TestStockLifecycle(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)
	seedAccount(t, ms, "buyer", 10, 50000)
	seedPrice(t, ms, 1500)

	// Cannot enable selling with empty stock.
	w := doJSON(t, router, "POST", "/api/v1/stock/toggle",
		market.ToggleSellingRequest{SellerID: "seller", Selling: true})
	if w.Code != http.StatusConflict {
		t.Fatalf("toggle empty stock: status = %d, want 409", w.Code)
	}

	// Move 20 kWh battery -> stock, then enable selling.
	w = doJSON(t, router, "POST", "/api/v1/stock/add",
		market.StockRequest{SellerID: "seller", AmountKwh: d(20)})
	if w.Code != http.StatusOK {
		t.Fatalf("add stock: status = %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, router, "POST", "/api/v1/stock/toggle",
		market.ToggleSellingRequest{SellerID: "seller", Selling: true})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d: %s", w.Code, w.Body)
	}

	// Buyer takes 5 kWh at the live price.
	w = doJSON(t, router, "POST", "/api/v1/stock/buy", market.BuyStockRequest{
		BuyerID: "buyer", SellerID: "seller", EnergyKwh: d(5),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: status = %d: %s", w.Code, w.Body)
	}

	var tx model.Transaction
	json.Unmarshal(w.Body.Bytes(), &tx)
	if !tx.TotalPrice.Equal(d(7500)) {
		t.Errorf("total = %s, want 7500", tx.TotalPrice)
	}
	if !tx.SellerStockBefore.Equal(d(20)) || !tx.SellerStockAfter.Equal(d(15)) {
		t.Errorf("stock snapshot = %s -> %s, want 20 -> 15",
			tx.SellerStockBefore, tx.SellerStockAfter)
	}
	if tx.Source != model.TradeSourceStock {
		t.Errorf("source = %s, want stock", tx.Source)
	}

	ctx := context.Background()
	offer, _ := ms.GetStockOffer(ctx, "seller")
	if !offer.StockKwh.Equal(d(15)) || !offer.IsSelling {
		t.Errorf("offer = %+v, want 15 kWh still selling", offer)
	}
	buyer, _ := ms.GetAccount(ctx, "buyer")
	if !buyer.BatteryCurrentKwh.Equal(d(15)) || !buyer.WalletBalance.Equal(d(42500)) {
		t.Errorf("buyer battery=%s wallet=%s, want 15/42500",
			buyer.BatteryCurrentKwh, buyer.WalletBalance)
	}
}

func TestBuyFromStock_DepletionDisablesSelling(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)
	seedAccount(t, ms, "buyer", 10, 50000)
	seedPrice(t, ms, 10)

	doJSON(t, router, "POST", "/api/v1/stock/add",
		market.StockRequest{SellerID: "seller", AmountKwh: d(5)})
	doJSON(t, router, "POST", "/api/v1/stock/toggle",
		market.ToggleSellingRequest{SellerID: "seller", Selling: true})

	// Buy 4.5 of the 5 kWh: stock drops to 0.5, below the 1 kWh floor.
	w := doJSON(t, router, "POST", "/api/v1/stock/buy", market.BuyStockRequest{
		BuyerID: "buyer", SellerID: "seller", EnergyKwh: d(4.5),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: status = %d: %s", w.Code, w.Body)
	}

	offer, _ := ms.GetStockOffer(context.Background(), "seller")
	if offer.IsSelling {
		t.Error("offer still selling below 1 kWh floor")
	}

	// Further purchases fail: offer is off the market.
	w = doJSON(t, router, "POST", "/api/v1/stock/buy", market.BuyStockRequest{
		BuyerID: "buyer", SellerID: "seller", EnergyKwh: d(0.5),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("buy from closed offer: status = %d, want 409", w.Code)
	}
}

func TestBuyFromStock_SelfTrade(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 1000)

	w := doJSON(t, router, "POST", "/api/v1/stock/buy", market.BuyStockRequest{
		BuyerID: "seller", SellerID: "seller", EnergyKwh: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

// --- Transfers via HTTP ---

func TestTransferEndpoint(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "acct", 50, 1000)

	w := doJSON(t, router, "POST", "/api/v1/accounts/acct/transfer",
		market.TransferRequest{AmountKwh: d(10)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	a, _ := ms.GetAccount(context.Background(), "acct")
	if !a.BatteryCurrentKwh.Equal(d(40)) || !a.MainPowerKwh.Equal(d(76)) {
		t.Errorf("battery=%s main=%s, want 40/76", a.BatteryCurrentKwh, a.MainPowerKwh)
	}
}

// --- Reads ---

func TestListListings_SplitsByViewer(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 50, 1000)
	seedAccount(t, ms, "bob", 50, 1000)

	doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{SellerID: "alice", EnergyKwh: d(5)})
	doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{SellerID: "bob", EnergyKwh: d(8)})

	w := doJSON(t, router, "GET", "/api/v1/listings?viewer=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Listings   []json.RawMessage `json:"listings"`
		MyListings []json.RawMessage `json:"my_listings"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.MyListings) != 1 || len(resp.Listings) != 1 {
		t.Errorf("mine=%d others=%d, want 1/1", len(resp.MyListings), len(resp.Listings))
	}
}

func TestListTransactions_Summary(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "seller", 50, 0)
	seedAccount(t, ms, "buyer", 10, 50000)
	seedPrice(t, ms, 100)

	w := doJSON(t, router, "POST", "/api/v1/listings", market.CreateListingRequest{
		SellerID: "seller", EnergyKwh: d(5),
	})
	var l model.Listing
	json.Unmarshal(w.Body.Bytes(), &l)
	doJSON(t, router, "POST", "/api/v1/listings/"+l.ID+"/buy",
		market.ListingActionRequest{AccountID: "buyer"})

	w = doJSON(t, router, "GET", "/api/v1/transactions/seller", nil)
	var resp struct {
		Summary map[string]decimal.Decimal `json:"summary"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Summary["sell_total"].Equal(d(500)) {
		t.Errorf("sell_total = %s, want 500", resp.Summary["sell_total"])
	}
	if !resp.Summary["net_balance"].Equal(d(500)) {
		t.Errorf("net_balance = %s, want 500", resp.Summary["net_balance"])
	}
}

func TestGetPrice_DefaultsBeforeFirstRefresh(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		FinalPrice      decimal.Decimal `json:"final_price"`
		MarketCondition string          `json:"market_condition"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.FinalPrice.Equal(d(1444.70)) {
		t.Errorf("final_price = %s, want base 1444.70", resp.FinalPrice)
	}
	if resp.MarketCondition != model.ConditionBalanced {
		t.Errorf("condition = %s, want balanced", resp.MarketCondition)
	}
}
