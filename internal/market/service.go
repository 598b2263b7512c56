// Package market implements the marketplace settlement engine: account
// registration, the listing lifecycle (create/cancel/buy), and the
// per-seller stock trading path. Every settlement runs as one atomic store
// transaction spanning all touched accounts and artifacts; concurrent
// settlements against the same listing, stock offer, or account serialize on
// row locks, so the first committer wins and the loser fails cleanly.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/energy"
	"github.com/velscada/energy-engine/internal/event"
	"github.com/velscada/energy-engine/internal/metrics"
	"github.com/velscada/energy-engine/internal/model"
	"github.com/velscada/energy-engine/internal/pricing"
	"github.com/velscada/energy-engine/internal/store"
	"github.com/velscada/energy-engine/internal/txhash"
)

var (
	// ErrSelfTrade is returned when a buyer attempts to buy their own energy.
	ErrSelfTrade = errors.New("market: cannot buy your own energy")

	// ErrListingNotAvailable is returned when a listing is sold, cancelled,
	// or lost to a concurrent buyer.
	ErrListingNotAvailable = errors.New("market: listing is not available")

	// ErrNotListingOwner is returned when a seller manipulates someone
	// else's listing.
	ErrNotListingOwner = errors.New("market: listing belongs to another seller")

	// ErrInsufficientFunds is returned when the buyer's wallet cannot cover
	// the purchase at the live price.
	ErrInsufficientFunds = errors.New("market: insufficient wallet balance")

	// ErrSellingRequiresStock is returned when enabling selling on an offer
	// holding less than 1 kWh.
	ErrSellingRequiresStock = errors.New("market: need at least 1 kWh in stock to sell")
)

// Service handles marketplace operations. Atomicity and serialization are
// delegated to the store's transactions and row locks rather than a service
// mutex, so independent settlements can proceed in parallel.
type Service struct {
	store  store.Store
	energy *energy.Engine
	pricer *pricing.Engine
	limits *ListingLimits
	hub    *event.Hub
}

// NewService creates a marketplace service. pricer and hub may be nil when
// refresh triggering or broadcasting is not needed (tests).
func NewService(st store.Store, eng *energy.Engine, pricer *pricing.Engine, limits *ListingLimits, hub *event.Hub) *Service {
	if limits == nil {
		limits = NewListingLimits(decimal.Zero, decimal.Zero)
	}
	return &Service{store: st, energy: eng, pricer: pricer, limits: limits, hub: hub}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for account registration.
type RegisterRequest struct {
	Name string `json:"name"`
}

// TransferRequest is the JSON body for battery→main-power transfers.
type TransferRequest struct {
	AmountKwh decimal.Decimal `json:"amount_kwh"`
}

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	SellerID  string          `json:"seller_id"`
	EnergyKwh decimal.Decimal `json:"energy_kwh"`
}

// ListingActionRequest identifies the acting account for cancel/buy.
type ListingActionRequest struct {
	AccountID string `json:"account_id"`
}

// StockRequest is the JSON body for the stock add/withdraw operations.
type StockRequest struct {
	SellerID  string          `json:"seller_id"`
	AmountKwh decimal.Decimal `json:"amount_kwh"`
}

// ToggleSellingRequest is the JSON body for POST /stock/toggle.
type ToggleSellingRequest struct {
	SellerID string `json:"seller_id"`
	Selling  bool   `json:"selling"`
}

// BuyStockRequest is the JSON body for POST /stock/buy.
type BuyStockRequest struct {
	BuyerID   string          `json:"buyer_id"`
	SellerID  string          `json:"seller_id"`
	EnergyKwh decimal.Decimal `json:"energy_kwh"`
}

// listingView is a listing priced at the live system price for display.
type listingView struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	EnergyKwh   decimal.Decimal `json:"energy_kwh"`
	PricePerKwh decimal.Decimal `json:"price_per_kwh"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// --- HTTP handlers ---

// Register handles POST /api/v1/accounts: creates an account with fixed
// defaults plus its solar source and empty stock offer.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	account := &model.Account{
		ID:                uuid.New().String(),
		Name:              req.Name,
		BatteryCurrentKwh: model.DefaultBatteryCurrentKwh,
		BatteryMaxKwh:     model.DefaultBatteryMaxKwh,
		BatteryStatus:     model.BatteryIdle,
		MainPowerKwh:      model.DefaultMainPowerKwh,
		WalletBalance:     model.DefaultWalletBalance,
		CreatedAt:         now,
	}

	ctx := r.Context()
	err := s.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		if err := tx.CreateSolarSource(ctx, &model.SolarSource{
			AccountID:          account.ID,
			RatedOutputPerHour: model.DefaultSolarRatedOutput,
			CurrentOutput:      decimal.Zero,
			Status:             model.SolarInactive,
		}); err != nil {
			return err
		}
		return tx.CreateStockOffer(ctx, &model.StockOffer{
			SellerID:  account.ID,
			StockKwh:  decimal.Zero,
			IsSelling: false,
			UpdatedAt: now,
		})
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("account registered", "id", account.ID, "name", account.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// GetAccount handles GET /api/v1/accounts/{accountID}: the energy status
// snapshot plus recent storage logs for charting.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	snap, err := s.energy.Status(ctx, accountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// Transfer handles POST /api/v1/accounts/{accountID}/transfer: one-way
// battery to main power.
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	account, err := s.energy.TransferToMainPower(r.Context(), accountID, req.AmountKwh)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(event.Message{
			Type:      event.TypeEnergyUpdated,
			AccountID: account.ID,
			Data: map[string]any{
				"battery_level":      account.BatteryCurrentKwh,
				"battery_percentage": account.BatteryPercent(),
				"battery_status":     account.BatteryStatus,
				"main_power":         account.MainPowerKwh,
				"timestamp":          time.Now().UTC(),
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"battery_kwh":    account.BatteryCurrentKwh,
		"main_power_kwh": account.MainPowerKwh,
	})
}

// ListListings handles GET /api/v1/listings?viewer=<accountID>.
// All listings are displayed at the live system price, not their creation
// snapshot.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	listings, err := s.store.ListAvailableListings(ctx)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}

	livePrice := pricing.CurrentFinalPrice(ctx, s.store)
	viewer := r.URL.Query().Get("viewer")

	mine := []listingView{}
	others := []listingView{}
	for _, l := range listings {
		v := listingView{
			ID:          l.ID,
			SellerID:    l.SellerID,
			EnergyKwh:   l.EnergyKwh,
			PricePerKwh: livePrice,
			TotalPrice:  l.EnergyKwh.Mul(livePrice).Round(2),
			CreatedAt:   l.CreatedAt,
		}
		if viewer != "" && l.SellerID == viewer {
			mine = append(mine, v)
		} else {
			others = append(others, v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"listings":      others,
		"my_listings":   mine,
		"price_per_kwh": livePrice,
	})
}

// CreateListing handles POST /api/v1/listings: commits battery energy to a
// new sell offer. The seller's battery is debited immediately.
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var listing *model.Listing

	err := s.store.Tx(ctx, func(tx store.Store) error {
		if err := s.limits.Check(req.EnergyKwh); err != nil {
			return err
		}

		seller, err := tx.GetAccountForUpdate(ctx, req.SellerID)
		if err != nil {
			return err
		}
		if req.EnergyKwh.GreaterThan(seller.BatteryCurrentKwh) {
			return energy.ErrInsufficientEnergy
		}

		// Snapshot the live price for history/reference only; settlement
		// reprices at purchase time.
		snapshot := pricing.CurrentFinalPrice(ctx, tx)

		seller.BatteryCurrentKwh = seller.BatteryCurrentKwh.Sub(req.EnergyKwh)
		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}

		now := time.Now().UTC()
		listing = &model.Listing{
			ID:          uuid.New().String(),
			SellerID:    seller.ID,
			EnergyKwh:   req.EnergyKwh,
			PricePerKwh: snapshot,
			TotalPrice:  req.EnergyKwh.Mul(snapshot).Round(2),
			Status:      model.ListingAvailable,
			CreatedAt:   now,
		}
		if err := tx.CreateListing(ctx, listing); err != nil {
			return err
		}

		return tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    seller.ID,
			Action:       "sell",
			BatteryKwh:   seller.BatteryCurrentKwh,
			MainPowerKwh: seller.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   now,
		})
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	slog.Info("listing created",
		"listing", listing.ID,
		"seller", listing.SellerID,
		"energy_kwh", listing.EnergyKwh.String(),
		"price_snapshot", listing.PricePerKwh.String(),
	)

	// Supply changed; refresh is fire-and-forget relative to the commit.
	if s.pricer != nil {
		s.pricer.RefreshAsync("listing_created")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// CancelListing handles POST /api/v1/listings/{listingID}/cancel: returns
// the committed energy to the seller's battery. Energy that no longer fits
// is rejected, not truncated.
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	var req ListingActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := s.store.Tx(ctx, func(tx store.Store) error {
		listing, err := tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.SellerID != req.AccountID {
			return ErrNotListingOwner
		}
		if listing.Status != model.ListingAvailable {
			return ErrListingNotAvailable
		}

		seller, err := tx.GetAccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if listing.EnergyKwh.GreaterThan(seller.BatteryRemainingCapacity()) {
			return energy.ErrExceedsCapacity
		}

		seller.BatteryCurrentKwh = seller.BatteryCurrentKwh.Add(listing.EnergyKwh)
		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}

		listing.Status = model.ListingCancelled
		if err := tx.UpdateListing(ctx, listing); err != nil {
			return err
		}

		// Energy back into the battery logs as charging.
		return tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    seller.ID,
			Action:       "charging",
			BatteryKwh:   seller.BatteryCurrentKwh,
			MainPowerKwh: seller.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	slog.Info("listing cancelled", "listing", listingID, "seller", req.AccountID)

	if s.pricer != nil {
		s.pricer.RefreshAsync("listing_cancelled")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": model.ListingCancelled})
}

// BuyListing handles POST /api/v1/listings/{listingID}/buy: atomic
// multi-party settlement at the live system price.
func (s *Service) BuyListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	var req ListingActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var trade *model.Transaction

	err := s.store.Tx(ctx, func(tx store.Store) error {
		listing, err := tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.Status != model.ListingAvailable {
			return ErrListingNotAvailable
		}
		if listing.SellerID == req.AccountID {
			return ErrSelfTrade
		}

		buyer, seller, err := lockPair(ctx, tx, req.AccountID, listing.SellerID)
		if err != nil {
			return err
		}

		// Settlement always uses the current live price, not the listing's
		// creation snapshot.
		livePrice := pricing.CurrentFinalPrice(ctx, tx)
		totalPrice := listing.EnergyKwh.Mul(livePrice).Round(2)

		if totalPrice.GreaterThan(buyer.WalletBalance) {
			return ErrInsufficientFunds
		}
		if listing.EnergyKwh.GreaterThan(buyer.BatteryRemainingCapacity()) {
			return energy.ErrExceedsCapacity
		}

		buyerBatteryBefore := buyer.BatteryCurrentKwh

		buyer.BatteryCurrentKwh = buyer.BatteryCurrentKwh.Add(listing.EnergyKwh)
		buyer.WalletBalance = buyer.WalletBalance.Sub(totalPrice)
		seller.WalletBalance = seller.WalletBalance.Add(totalPrice)

		if err := tx.UpdateAccount(ctx, buyer); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}

		now := time.Now().UTC()
		listing.Status = model.ListingSold
		listing.BuyerID = buyer.ID
		listing.SoldAt = &now
		if err := tx.UpdateListing(ctx, listing); err != nil {
			return err
		}

		trade = &model.Transaction{
			ID:                 uuid.New().String(),
			TxHash:             txhash.New(),
			SellerID:           seller.ID,
			BuyerID:            buyer.ID,
			EnergyKwh:          listing.EnergyKwh,
			PricePerKwh:        livePrice,
			TotalPrice:         totalPrice,
			BuyerBatteryBefore: buyerBatteryBefore,
			BuyerBatteryAfter:  buyer.BatteryCurrentKwh,
			Status:             model.TxCompleted,
			Source:             model.TradeSourceListing,
			CreatedAt:          now,
			CompletedAt:        &now,
		}
		if err := tx.InsertTransaction(ctx, trade); err != nil {
			return err
		}

		return tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    buyer.ID,
			Action:       "buy",
			BatteryKwh:   buyer.BatteryCurrentKwh,
			MainPowerKwh: buyer.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   now,
		})
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	s.finishTrade(trade)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// AddStock handles POST /api/v1/stock/add: battery → stock.
func (s *Service) AddStock(w http.ResponseWriter, r *http.Request) {
	s.moveStock(w, r, true)
}

// WithdrawStock handles POST /api/v1/stock/withdraw: stock → battery.
func (s *Service) WithdrawStock(w http.ResponseWriter, r *http.Request) {
	s.moveStock(w, r, false)
}

func (s *Service) moveStock(w http.ResponseWriter, r *http.Request, toStock bool) {
	var req StockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var offer *model.StockOffer

	err := s.store.Tx(ctx, func(tx store.Store) error {
		seller, err := tx.GetAccountForUpdate(ctx, req.SellerID)
		if err != nil {
			return err
		}
		offer, err = tx.GetStockOfferForUpdate(ctx, req.SellerID)
		if err != nil {
			return err
		}

		action := "stock_add"
		if toStock {
			err = energy.ApplyBatteryToStock(seller, offer, req.AmountKwh)
		} else {
			action = "stock_withdraw"
			err = energy.ApplyStockToBattery(seller, offer, req.AmountKwh)
		}
		if err != nil {
			return err
		}

		offer.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}
		if err := tx.UpdateStockOffer(ctx, offer); err != nil {
			return err
		}

		return tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    seller.ID,
			Action:       action,
			BatteryKwh:   seller.BatteryCurrentKwh,
			MainPowerKwh: seller.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   offer.UpdatedAt,
		})
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if s.pricer != nil {
		s.pricer.RefreshAsync("stock_changed")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offer)
}

// ToggleSelling handles POST /api/v1/stock/toggle. Enabling requires at
// least 1 kWh in stock.
func (s *Service) ToggleSelling(w http.ResponseWriter, r *http.Request) {
	var req ToggleSellingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var offer *model.StockOffer

	err := s.store.Tx(ctx, func(tx store.Store) error {
		var err error
		offer, err = tx.GetStockOfferForUpdate(ctx, req.SellerID)
		if err != nil {
			return err
		}
		if req.Selling && offer.StockKwh.LessThan(decimal.NewFromInt(1)) {
			return ErrSellingRequiresStock
		}
		offer.IsSelling = req.Selling
		offer.UpdatedAt = time.Now().UTC()
		return tx.UpdateStockOffer(ctx, offer)
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if s.pricer != nil {
		s.pricer.RefreshAsync("selling_toggled")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offer)
}

// BuyFromStock handles POST /api/v1/stock/buy: settlement against a
// seller's continuous inventory. Dropping below 1 kWh takes the offer off
// the market.
func (s *Service) BuyFromStock(w http.ResponseWriter, r *http.Request) {
	var req BuyStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.EnergyKwh.IsPositive() {
		writeError(w, energy.ErrInvalidAmount.Error(), http.StatusBadRequest)
		return
	}
	if req.BuyerID == req.SellerID {
		writeError(w, ErrSelfTrade.Error(), http.StatusConflict)
		metrics.TradeRejections.Inc()
		return
	}

	ctx := r.Context()
	var trade *model.Transaction

	err := s.store.Tx(ctx, func(tx store.Store) error {
		buyer, seller, err := lockPair(ctx, tx, req.BuyerID, req.SellerID)
		if err != nil {
			return err
		}
		offer, err := tx.GetStockOfferForUpdate(ctx, req.SellerID)
		if err != nil {
			return err
		}
		if !offer.IsSelling || req.EnergyKwh.GreaterThan(offer.StockKwh) {
			return energy.ErrInsufficientStock
		}

		livePrice := pricing.CurrentFinalPrice(ctx, tx)
		totalPrice := req.EnergyKwh.Mul(livePrice).Round(2)

		if totalPrice.GreaterThan(buyer.WalletBalance) {
			return ErrInsufficientFunds
		}
		if req.EnergyKwh.GreaterThan(buyer.BatteryRemainingCapacity()) {
			return energy.ErrExceedsCapacity
		}

		stockBefore := offer.StockKwh
		buyerBatteryBefore := buyer.BatteryCurrentKwh

		offer.StockKwh = offer.StockKwh.Sub(req.EnergyKwh)
		energy.EnforceSellingFloor(offer)
		offer.UpdatedAt = time.Now().UTC()

		buyer.BatteryCurrentKwh = buyer.BatteryCurrentKwh.Add(req.EnergyKwh)
		buyer.WalletBalance = buyer.WalletBalance.Sub(totalPrice)
		seller.WalletBalance = seller.WalletBalance.Add(totalPrice)

		if err := tx.UpdateStockOffer(ctx, offer); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, buyer); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, seller); err != nil {
			return err
		}

		now := time.Now().UTC()
		trade = &model.Transaction{
			ID:                 uuid.New().String(),
			TxHash:             txhash.New(),
			SellerID:           seller.ID,
			BuyerID:            buyer.ID,
			EnergyKwh:          req.EnergyKwh,
			PricePerKwh:        livePrice,
			TotalPrice:         totalPrice,
			SellerStockBefore:  stockBefore,
			SellerStockAfter:   offer.StockKwh,
			BuyerBatteryBefore: buyerBatteryBefore,
			BuyerBatteryAfter:  buyer.BatteryCurrentKwh,
			Status:             model.TxCompleted,
			Source:             model.TradeSourceStock,
			CreatedAt:          now,
			CompletedAt:        &now,
		}
		if err := tx.InsertTransaction(ctx, trade); err != nil {
			return err
		}

		return tx.AppendStorageLog(ctx, &model.StorageLog{
			ID:           uuid.New().String(),
			AccountID:    buyer.ID,
			Action:       "buy",
			BatteryKwh:   buyer.BatteryCurrentKwh,
			MainPowerKwh: buyer.MainPowerKwh,
			SolarOutput:  decimal.Zero,
			RecordedAt:   now,
		})
	})
	if err != nil {
		writeValidationError(w, err)
		return
	}

	s.finishTrade(trade)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// ListTransactions handles GET /api/v1/transactions/{accountID}: trade
// history with bought/sold totals.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	txs, err := s.store.ListTransactionsByAccount(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	buyTotal := decimal.Zero
	sellTotal := decimal.Zero
	buyEnergy := decimal.Zero
	sellEnergy := decimal.Zero
	for _, t := range txs {
		if t.Status != model.TxCompleted {
			continue
		}
		if t.BuyerID == accountID {
			buyTotal = buyTotal.Add(t.TotalPrice)
			buyEnergy = buyEnergy.Add(t.EnergyKwh)
		}
		if t.SellerID == accountID {
			sellTotal = sellTotal.Add(t.TotalPrice)
			sellEnergy = sellEnergy.Add(t.EnergyKwh)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": txs,
		"summary": map[string]decimal.Decimal{
			"buy_total":         buyTotal,
			"sell_total":        sellTotal,
			"buy_energy_total":  buyEnergy,
			"sell_energy_total": sellEnergy,
			"net_balance":       sellTotal.Sub(buyTotal),
		},
	})
}

// GetPrice handles GET /api/v1/price: the active system price, or the base
// rate defaults before the first refresh.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "application/json")
	if p, err := s.store.GetActivePrice(ctx); err == nil {
		json.NewEncoder(w).Encode(p)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"base_price":       pricing.DefaultBasePrice,
		"multiplier":       decimal.NewFromInt(1),
		"final_price":      pricing.DefaultBasePrice,
		"market_condition": model.ConditionBalanced,
	})
}

// --- Internals ---

// lockPair locks two account rows in a stable order so concurrent
// settlements touching the same accounts cannot deadlock. Returns the
// accounts matched to (first, second) argument order.
func lockPair(ctx context.Context, tx store.Store, firstID, secondID string) (*model.Account, *model.Account, error) {
	loID, hiID := firstID, secondID
	if loID > hiID {
		loID, hiID = hiID, loID
	}
	lo, err := tx.GetAccountForUpdate(ctx, loID)
	if err != nil {
		return nil, nil, err
	}
	hi, err := tx.GetAccountForUpdate(ctx, hiID)
	if err != nil {
		return nil, nil, err
	}
	if lo.ID == firstID {
		return lo, hi, nil
	}
	return hi, lo, nil
}

// finishTrade records metrics, broadcasts, and triggers the price refresh
// for a committed trade.
func (s *Service) finishTrade(trade *model.Transaction) {
	metrics.TradesTotal.WithLabelValues(trade.Source).Inc()

	slog.Info("trade settled",
		"tx_hash", trade.TxHash,
		"source", trade.Source,
		"seller", trade.SellerID,
		"buyer", trade.BuyerID,
		"energy_kwh", trade.EnergyKwh.String(),
		"price_per_kwh", trade.PricePerKwh.String(),
		"total_price", trade.TotalPrice.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(event.Message{Type: event.TypeTradeExecuted, Data: trade})
	}
	if s.pricer != nil {
		s.pricer.RefreshAsync("trade_settled")
	}
}

// writeValidationError maps settlement errors onto HTTP statuses. Losing a
// concurrent race surfaces exactly like a failed precondition.
func writeValidationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, energy.ErrInvalidAmount),
		errors.Is(err, ErrBelowMinimum),
		errors.Is(err, ErrAboveMaximum):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, energy.ErrInsufficientEnergy),
		errors.Is(err, energy.ErrExceedsCapacity),
		errors.Is(err, energy.ErrInsufficientStock),
		errors.Is(err, ErrListingNotAvailable),
		errors.Is(err, ErrNotListingOwner),
		errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSellingRequiresStock):
		status = http.StatusConflict
	}
	if status != http.StatusInternalServerError {
		metrics.TradeRejections.Inc()
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
