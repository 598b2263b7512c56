package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads: the active system price and account snapshots.
// Writes go to the primary store and invalidate the affected keys; entries
// also carry a TTL so transactional writes that bypass the wrapper (inside
// Tx callbacks) go stale only briefly.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }

const activePriceKey = "system_price:active"

// Tx delegates to the primary store. The callback writes through the
// transactional view directly, so the coarse invalidation here drops the
// price key and relies on TTLs for account entries.
func (s *CachedStore) Tx(ctx context.Context, fn func(Store) error) error {
	if err := s.primary.Tx(ctx, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, activePriceKey)
	return nil
}

// --- Accounts (cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(id), a)
	return a, nil
}

func (s *CachedStore) UpdateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.UpdateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

// --- System price (cached) ---

func (s *CachedStore) GetActivePrice(ctx context.Context) (*model.SystemPrice, error) {
	data, err := s.rdb.Get(ctx, activePriceKey).Bytes()
	if err == nil {
		var p model.SystemPrice
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetActivePrice(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, activePriceKey, p)
	return p, nil
}

func (s *CachedStore) DeactivateActivePrices(ctx context.Context, until time.Time) error {
	if err := s.primary.DeactivateActivePrices(ctx, until); err != nil {
		return err
	}
	s.rdb.Del(ctx, activePriceKey)
	return nil
}

func (s *CachedStore) InsertSystemPrice(ctx context.Context, p *model.SystemPrice) error {
	if err := s.primary.InsertSystemPrice(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, activePriceKey)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccountForUpdate(ctx, id)
}

func (s *CachedStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListAccountIDs(ctx)
}

func (s *CachedStore) CreateSolarSource(ctx context.Context, src *model.SolarSource) error {
	return s.primary.CreateSolarSource(ctx, src)
}

func (s *CachedStore) GetSolarSource(ctx context.Context, accountID string) (*model.SolarSource, error) {
	return s.primary.GetSolarSource(ctx, accountID)
}

func (s *CachedStore) UpdateSolarSource(ctx context.Context, src *model.SolarSource) error {
	return s.primary.UpdateSolarSource(ctx, src)
}

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListing(ctx, id)
}

func (s *CachedStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListingForUpdate(ctx, id)
}

func (s *CachedStore) ListAvailableListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListAvailableListings(ctx)
}

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.UpdateListing(ctx, l)
}

func (s *CachedStore) SumAvailableListingEnergy(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.SumAvailableListingEnergy(ctx)
}

func (s *CachedStore) CreateStockOffer(ctx context.Context, o *model.StockOffer) error {
	return s.primary.CreateStockOffer(ctx, o)
}

func (s *CachedStore) GetStockOffer(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	return s.primary.GetStockOffer(ctx, sellerID)
}

func (s *CachedStore) GetStockOfferForUpdate(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	return s.primary.GetStockOfferForUpdate(ctx, sellerID)
}

func (s *CachedStore) ListSellingStockOffers(ctx context.Context) ([]model.StockOffer, error) {
	return s.primary.ListSellingStockOffers(ctx)
}

func (s *CachedStore) UpdateStockOffer(ctx context.Context, o *model.StockOffer) error {
	return s.primary.UpdateStockOffer(ctx, o)
}

func (s *CachedStore) SumSellingStock(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.SumSellingStock(ctx)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, t)
}

func (s *CachedStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) SumCompletedEnergySince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return s.primary.SumCompletedEnergySince(ctx, since)
}

func (s *CachedStore) AppendStorageLog(ctx context.Context, l *model.StorageLog) error {
	return s.primary.AppendStorageLog(ctx, l)
}

func (s *CachedStore) ListStorageLogs(ctx context.Context, accountID string, limit int) ([]model.StorageLog, error) {
	return s.primary.ListStorageLogs(ctx, accountID, limit)
}

func (s *CachedStore) InsertScadaReading(ctx context.Context, r *model.ScadaReading) error {
	return s.primary.InsertScadaReading(ctx, r)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
