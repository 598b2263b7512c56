// Package store defines the persistence interface for the energy engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Tx runs fn against a transactional view of the store: either every write
// performed inside fn commits, or none do. The *ForUpdate getters lock the
// row for the remainder of the enclosing transaction so that concurrent
// settlements against the same account, listing, or stock offer serialize.
type Store interface {
	// Tx executes fn atomically. Returning an error rolls back all writes.
	Tx(ctx context.Context, fn func(Store) error) error

	// --- Accounts ---

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	UpdateAccount(ctx context.Context, a *model.Account) error

	// --- Solar sources ---

	CreateSolarSource(ctx context.Context, s *model.SolarSource) error
	GetSolarSource(ctx context.Context, accountID string) (*model.SolarSource, error)
	UpdateSolarSource(ctx context.Context, s *model.SolarSource) error

	// --- Listings ---

	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error)
	ListAvailableListings(ctx context.Context) ([]model.Listing, error)
	UpdateListing(ctx context.Context, l *model.Listing) error
	SumAvailableListingEnergy(ctx context.Context) (decimal.Decimal, error)

	// --- Stock offers ---

	CreateStockOffer(ctx context.Context, o *model.StockOffer) error
	GetStockOffer(ctx context.Context, sellerID string) (*model.StockOffer, error)
	GetStockOfferForUpdate(ctx context.Context, sellerID string) (*model.StockOffer, error)
	ListSellingStockOffers(ctx context.Context) ([]model.StockOffer, error)
	UpdateStockOffer(ctx context.Context, o *model.StockOffer) error
	SumSellingStock(ctx context.Context) (decimal.Decimal, error)

	// --- Immutable trade ledger ---

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)
	SumCompletedEnergySince(ctx context.Context, since time.Time) (decimal.Decimal, error)

	// --- System price ---

	GetActivePrice(ctx context.Context) (*model.SystemPrice, error)
	DeactivateActivePrices(ctx context.Context, until time.Time) error
	InsertSystemPrice(ctx context.Context, p *model.SystemPrice) error

	// --- Telemetry (append-only) ---

	AppendStorageLog(ctx context.Context, l *model.StorageLog) error
	ListStorageLogs(ctx context.Context, accountID string, limit int) ([]model.StorageLog, error)
	InsertScadaReading(ctx context.Context, r *model.ScadaReading) error
}
