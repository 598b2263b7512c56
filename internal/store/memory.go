package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Tx clones the entire state, runs fn against the clone, and swaps it in on
// success. A failed transaction therefore leaves the visible state untouched,
// and the store mutex serializes concurrent transactions the way row locks
// do in PostgreSQL.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	accounts     map[string]*model.Account
	solar        map[string]*model.SolarSource
	listings     map[string]*model.Listing
	stock        map[string]*model.StockOffer
	transactions []model.Transaction
	prices       []model.SystemPrice
	logs         []model.StorageLog
	scada        []model.ScadaReading
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		accounts: make(map[string]*model.Account),
		solar:    make(map[string]*model.SolarSource),
		listings: make(map[string]*model.Listing),
		stock:    make(map[string]*model.StockOffer),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[string]*model.Account, len(st.accounts)),
		solar:        make(map[string]*model.SolarSource, len(st.solar)),
		listings:     make(map[string]*model.Listing, len(st.listings)),
		stock:        make(map[string]*model.StockOffer, len(st.stock)),
		transactions: append([]model.Transaction(nil), st.transactions...),
		prices:       append([]model.SystemPrice(nil), st.prices...),
		logs:         append([]model.StorageLog(nil), st.logs...),
		scada:        append([]model.ScadaReading(nil), st.scada...),
	}
	for id, a := range st.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, s := range st.solar {
		cp := *s
		c.solar[id] = &cp
	}
	for id, l := range st.listings {
		cp := *l
		c.listings[id] = &cp
	}
	for id, o := range st.stock {
		cp := *o
		c.stock[id] = &cp
	}
	return c
}

// Tx clones state, applies fn, and commits by swapping the clone in.
func (s *MemoryStore) Tx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := s.state.clone()
	if err := fn(&memTx{st: clone}); err != nil {
		return err
	}
	s.state = clone
	return nil
}

// memTx is the unlocked view handed to Tx callbacks. All mutations land on
// the clone owned by the enclosing transaction.
type memTx struct {
	st *memState
}

// Tx on an already-transactional view just runs fn in place.
func (m *memTx) Tx(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

// Non-transactional reads/writes on MemoryStore delegate to a one-shot view
// under the mutex.

func (s *MemoryStore) view() *memTx { return &memTx{st: s.state} }

func (s *MemoryStore) CreateAccount(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateAccount(ctx, a)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetAccount(ctx, id)
}

func (s *MemoryStore) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetAccountForUpdate(ctx, id)
}

func (s *MemoryStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListAccountIDs(ctx)
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateAccount(ctx, a)
}

func (s *MemoryStore) CreateSolarSource(ctx context.Context, src *model.SolarSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateSolarSource(ctx, src)
}

func (s *MemoryStore) GetSolarSource(ctx context.Context, accountID string) (*model.SolarSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetSolarSource(ctx, accountID)
}

func (s *MemoryStore) UpdateSolarSource(ctx context.Context, src *model.SolarSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateSolarSource(ctx, src)
}

func (s *MemoryStore) CreateListing(ctx context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateListing(ctx, l)
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetListing(ctx, id)
}

func (s *MemoryStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetListingForUpdate(ctx, id)
}

func (s *MemoryStore) ListAvailableListings(ctx context.Context) ([]model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListAvailableListings(ctx)
}

func (s *MemoryStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateListing(ctx, l)
}

func (s *MemoryStore) SumAvailableListingEnergy(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SumAvailableListingEnergy(ctx)
}

func (s *MemoryStore) CreateStockOffer(ctx context.Context, o *model.StockOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateStockOffer(ctx, o)
}

func (s *MemoryStore) GetStockOffer(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetStockOffer(ctx, sellerID)
}

func (s *MemoryStore) GetStockOfferForUpdate(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetStockOfferForUpdate(ctx, sellerID)
}

func (s *MemoryStore) ListSellingStockOffers(ctx context.Context) ([]model.StockOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListSellingStockOffers(ctx)
}

func (s *MemoryStore) UpdateStockOffer(ctx context.Context, o *model.StockOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateStockOffer(ctx, o)
}

func (s *MemoryStore) SumSellingStock(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SumSellingStock(ctx)
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertTransaction(ctx, t)
}

func (s *MemoryStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListTransactionsByAccount(ctx, accountID)
}

func (s *MemoryStore) SumCompletedEnergySince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SumCompletedEnergySince(ctx, since)
}

func (s *MemoryStore) GetActivePrice(ctx context.Context) (*model.SystemPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetActivePrice(ctx)
}

func (s *MemoryStore) DeactivateActivePrices(ctx context.Context, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeactivateActivePrices(ctx, until)
}

func (s *MemoryStore) InsertSystemPrice(ctx context.Context, p *model.SystemPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertSystemPrice(ctx, p)
}

func (s *MemoryStore) AppendStorageLog(ctx context.Context, l *model.StorageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().AppendStorageLog(ctx, l)
}

func (s *MemoryStore) ListStorageLogs(ctx context.Context, accountID string, limit int) ([]model.StorageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListStorageLogs(ctx, accountID, limit)
}

func (s *MemoryStore) InsertScadaReading(ctx context.Context, r *model.ScadaReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertScadaReading(ctx, r)
}

// --- memTx: actual operations ---

func (m *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := m.st.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	m.st.accounts[a.ID] = &cp
	return nil
}

func (m *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// GetAccountForUpdate behaves like GetAccount; the enclosing transaction's
// mutex already provides exclusive access.
func (m *memTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return m.GetAccount(ctx, id)
}

func (m *memTx) ListAccountIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.st.accounts))
	for id := range m.st.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memTx) UpdateAccount(_ context.Context, a *model.Account) error {
	if _, ok := m.st.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	cp := *a
	m.st.accounts[a.ID] = &cp
	return nil
}

func (m *memTx) CreateSolarSource(_ context.Context, src *model.SolarSource) error {
	cp := *src
	m.st.solar[src.AccountID] = &cp
	return nil
}

func (m *memTx) GetSolarSource(_ context.Context, accountID string) (*model.SolarSource, error) {
	src, ok := m.st.solar[accountID]
	if !ok {
		return nil, fmt.Errorf("solar source for %s: %w", accountID, ErrNotFound)
	}
	cp := *src
	return &cp, nil
}

func (m *memTx) UpdateSolarSource(_ context.Context, src *model.SolarSource) error {
	if _, ok := m.st.solar[src.AccountID]; !ok {
		return fmt.Errorf("solar source for %s: %w", src.AccountID, ErrNotFound)
	}
	cp := *src
	m.st.solar[src.AccountID] = &cp
	return nil
}

func (m *memTx) CreateListing(_ context.Context, l *model.Listing) error {
	if _, ok := m.st.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	cp := *l
	m.st.listings[l.ID] = &cp
	return nil
}

func (m *memTx) GetListing(_ context.Context, id string) (*model.Listing, error) {
	l, ok := m.st.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *memTx) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return m.GetListing(ctx, id)
}

func (m *memTx) ListAvailableListings(_ context.Context) ([]model.Listing, error) {
	var out []model.Listing
	for _, l := range m.st.listings {
		if l.Status == model.ListingAvailable {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memTx) UpdateListing(_ context.Context, l *model.Listing) error {
	if _, ok := m.st.listings[l.ID]; !ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	cp := *l
	m.st.listings[l.ID] = &cp
	return nil
}

func (m *memTx) SumAvailableListingEnergy(_ context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, l := range m.st.listings {
		if l.Status == model.ListingAvailable {
			sum = sum.Add(l.EnergyKwh)
		}
	}
	return sum, nil
}

func (m *memTx) CreateStockOffer(_ context.Context, o *model.StockOffer) error {
	if _, ok := m.st.stock[o.SellerID]; ok {
		return fmt.Errorf("stock offer for %s already exists", o.SellerID)
	}
	cp := *o
	m.st.stock[o.SellerID] = &cp
	return nil
}

func (m *memTx) GetStockOffer(_ context.Context, sellerID string) (*model.StockOffer, error) {
	o, ok := m.st.stock[sellerID]
	if !ok {
		return nil, fmt.Errorf("stock offer for %s: %w", sellerID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *memTx) GetStockOfferForUpdate(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	return m.GetStockOffer(ctx, sellerID)
}

func (m *memTx) ListSellingStockOffers(_ context.Context) ([]model.StockOffer, error) {
	var out []model.StockOffer
	for _, o := range m.st.stock {
		if o.IsSelling {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SellerID < out[j].SellerID })
	return out, nil
}

func (m *memTx) UpdateStockOffer(_ context.Context, o *model.StockOffer) error {
	if _, ok := m.st.stock[o.SellerID]; !ok {
		return fmt.Errorf("stock offer for %s: %w", o.SellerID, ErrNotFound)
	}
	cp := *o
	m.st.stock[o.SellerID] = &cp
	return nil
}

func (m *memTx) SumSellingStock(_ context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, o := range m.st.stock {
		if o.IsSelling && o.StockKwh.IsPositive() {
			sum = sum.Add(o.StockKwh)
		}
	}
	return sum, nil
}

func (m *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	m.st.transactions = append(m.st.transactions, *t)
	return nil
}

func (m *memTx) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, t := range m.st.transactions {
		if t.BuyerID == accountID || t.SellerID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memTx) SumCompletedEnergySince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range m.st.transactions {
		if t.Status == model.TxCompleted && !t.CreatedAt.Before(since) {
			sum = sum.Add(t.EnergyKwh)
		}
	}
	return sum, nil
}

func (m *memTx) GetActivePrice(_ context.Context) (*model.SystemPrice, error) {
	for i := len(m.st.prices) - 1; i >= 0; i-- {
		if m.st.prices[i].IsActive {
			cp := m.st.prices[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active system price: %w", ErrNotFound)
}

func (m *memTx) DeactivateActivePrices(_ context.Context, until time.Time) error {
	for i := range m.st.prices {
		if m.st.prices[i].IsActive {
			m.st.prices[i].IsActive = false
			u := until
			m.st.prices[i].EffectiveUntil = &u
		}
	}
	return nil
}

func (m *memTx) InsertSystemPrice(_ context.Context, p *model.SystemPrice) error {
	m.st.prices = append(m.st.prices, *p)
	return nil
}

func (m *memTx) AppendStorageLog(_ context.Context, l *model.StorageLog) error {
	m.st.logs = append(m.st.logs, *l)
	return nil
}

func (m *memTx) ListStorageLogs(_ context.Context, accountID string, limit int) ([]model.StorageLog, error) {
	var out []model.StorageLog
	for i := len(m.st.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.st.logs[i].AccountID == accountID {
			out = append(out, m.st.logs[i])
		}
	}
	return out, nil
}

func (m *memTx) InsertScadaReading(_ context.Context, r *model.ScadaReading) error {
	m.st.scada = append(m.st.scada, *r)
	return nil
}
