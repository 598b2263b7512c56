package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velscada/energy-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// code serves pooled queries and in-transaction queries.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All energy and monetary values are stored as NUMERIC for exact decimal
// precision and round-tripped as text.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Tx runs fn inside a database transaction. Row locks taken by the
// *ForUpdate getters are held until commit or rollback.
func (s *PostgresStore) Tx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; run in place.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func mustDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, name, battery_current_kwh, battery_max_kwh, battery_status, main_power_kwh, wallet_balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		a.ID, a.Name,
		a.BatteryCurrentKwh.String(), a.BatteryMaxKwh.String(), a.BatteryStatus,
		a.MainPowerKwh.String(), a.WalletBalance.String(), a.CreatedAt,
	)
	return err
}

const accountCols = `id, name,
	battery_current_kwh::TEXT, battery_max_kwh::TEXT, battery_status,
	main_power_kwh::TEXT, wallet_balance::TEXT, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var battery, maxKwh, mainPower, wallet string
	err := row.Scan(&a.ID, &a.Name, &battery, &maxKwh, &a.BatteryStatus, &mainPower, &wallet, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.BatteryCurrentKwh = mustDec(battery)
	a.BatteryMaxKwh = mustDec(maxKwh)
	a.MainPowerKwh = mustDec(mainPower)
	a.WalletBalance = mustDec(wallet)
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get account "+id)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock account "+id)
	}
	return a, nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.Exec(ctx,
		`UPDATE accounts
		 SET battery_current_kwh = $2::NUMERIC, battery_status = $3,
		     main_power_kwh = $4::NUMERIC, wallet_balance = $5::NUMERIC
		 WHERE id = $1`,
		a.ID, a.BatteryCurrentKwh.String(), a.BatteryStatus,
		a.MainPowerKwh.String(), a.WalletBalance.String(),
	)
	return err
}

// --- Solar sources ---

func (s *PostgresStore) CreateSolarSource(ctx context.Context, src *model.SolarSource) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO solar_sources (account_id, rated_output_per_hour, current_output, status)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		src.AccountID, src.RatedOutputPerHour.String(), src.CurrentOutput.String(), src.Status,
	)
	return err
}

func (s *PostgresStore) GetSolarSource(ctx context.Context, accountID string) (*model.SolarSource, error) {
	var src model.SolarSource
	var rated, output string
	err := s.db.QueryRow(ctx,
		`SELECT account_id, rated_output_per_hour::TEXT, current_output::TEXT, status
		 FROM solar_sources WHERE account_id = $1`, accountID).
		Scan(&src.AccountID, &rated, &output, &src.Status)
	if err != nil {
		return nil, notFound(err, "get solar source "+accountID)
	}
	src.RatedOutputPerHour = mustDec(rated)
	src.CurrentOutput = mustDec(output)
	return &src, nil
}

func (s *PostgresStore) UpdateSolarSource(ctx context.Context, src *model.SolarSource) error {
	_, err := s.db.Exec(ctx,
		`UPDATE solar_sources SET current_output = $2::NUMERIC, status = $3 WHERE account_id = $1`,
		src.AccountID, src.CurrentOutput.String(), src.Status,
	)
	return err
}

// --- Listings ---

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO listings (id, seller_id, energy_kwh, price_per_kwh, total_price, status, buyer_id, created_at, sold_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, NULLIF($7, ''), $8, $9)`,
		l.ID, l.SellerID,
		l.EnergyKwh.String(), l.PricePerKwh.String(), l.TotalPrice.String(),
		l.Status, l.BuyerID, l.CreatedAt, l.SoldAt,
	)
	return err
}

const listingCols = `id, seller_id, energy_kwh::TEXT, price_per_kwh::TEXT, total_price::TEXT,
	status, COALESCE(buyer_id, ''), created_at, sold_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var energy, price, total string
	err := row.Scan(&l.ID, &l.SellerID, &energy, &price, &total, &l.Status, &l.BuyerID, &l.CreatedAt, &l.SoldAt)
	if err != nil {
		return nil, err
	}
	l.EnergyKwh = mustDec(energy)
	l.PricePerKwh = mustDec(price)
	l.TotalPrice = mustDec(total)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.db.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get listing "+id)
	}
	return l, nil
}

func (s *PostgresStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.db.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock listing "+id)
	}
	return l, nil
}

func (s *PostgresStore) ListAvailableListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+listingCols+` FROM listings WHERE status = $1 ORDER BY created_at DESC`,
		model.ListingAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.db.Exec(ctx,
		`UPDATE listings SET status = $2, buyer_id = NULLIF($3, ''), sold_at = $4 WHERE id = $1`,
		l.ID, l.Status, l.BuyerID, l.SoldAt,
	)
	return err
}

func (s *PostgresStore) SumAvailableListingEnergy(ctx context.Context) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(energy_kwh), 0)::TEXT FROM listings WHERE status = $1`,
		model.ListingAvailable).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return mustDec(sum), nil
}

// --- Stock offers ---

func (s *PostgresStore) CreateStockOffer(ctx context.Context, o *model.StockOffer) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO stock_offers (seller_id, stock_kwh, is_selling, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		o.SellerID, o.StockKwh.String(), o.IsSelling, o.UpdatedAt,
	)
	return err
}

func scanStockOffer(row pgx.Row) (*model.StockOffer, error) {
	var o model.StockOffer
	var stock string
	if err := row.Scan(&o.SellerID, &stock, &o.IsSelling, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.StockKwh = mustDec(stock)
	return &o, nil
}

func (s *PostgresStore) GetStockOffer(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	o, err := scanStockOffer(s.db.QueryRow(ctx,
		`SELECT seller_id, stock_kwh::TEXT, is_selling, updated_at
		 FROM stock_offers WHERE seller_id = $1`, sellerID))
	if err != nil {
		return nil, notFound(err, "get stock offer "+sellerID)
	}
	return o, nil
}

func (s *PostgresStore) GetStockOfferForUpdate(ctx context.Context, sellerID string) (*model.StockOffer, error) {
	o, err := scanStockOffer(s.db.QueryRow(ctx,
		`SELECT seller_id, stock_kwh::TEXT, is_selling, updated_at
		 FROM stock_offers WHERE seller_id = $1 FOR UPDATE`, sellerID))
	if err != nil {
		return nil, notFound(err, "lock stock offer "+sellerID)
	}
	return o, nil
}

func (s *PostgresStore) ListSellingStockOffers(ctx context.Context) ([]model.StockOffer, error) {
	rows, err := s.db.Query(ctx,
		`SELECT seller_id, stock_kwh::TEXT, is_selling, updated_at
		 FROM stock_offers WHERE is_selling ORDER BY seller_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.StockOffer
	for rows.Next() {
		o, err := scanStockOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *PostgresStore) UpdateStockOffer(ctx context.Context, o *model.StockOffer) error {
	_, err := s.db.Exec(ctx,
		`UPDATE stock_offers SET stock_kwh = $2::NUMERIC, is_selling = $3, updated_at = $4 WHERE seller_id = $1`,
		o.SellerID, o.StockKwh.String(), o.IsSelling, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) SumSellingStock(ctx context.Context) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(stock_kwh), 0)::TEXT FROM stock_offers WHERE is_selling AND stock_kwh > 0`).
		Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return mustDec(sum), nil
}

// --- Immutable trade ledger ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transactions (id, tx_hash, seller_id, buyer_id, energy_kwh, price_per_kwh, total_price,
		                           seller_stock_before, seller_stock_after, buyer_battery_before, buyer_battery_after,
		                           status, source, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)`,
		t.ID, t.TxHash, t.SellerID, t.BuyerID,
		t.EnergyKwh.String(), t.PricePerKwh.String(), t.TotalPrice.String(),
		t.SellerStockBefore.String(), t.SellerStockAfter.String(),
		t.BuyerBatteryBefore.String(), t.BuyerBatteryAfter.String(),
		t.Status, t.Source, t.CreatedAt, t.CompletedAt,
	)
	return err
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tx_hash, seller_id, buyer_id,
		        energy_kwh::TEXT, price_per_kwh::TEXT, total_price::TEXT,
		        seller_stock_before::TEXT, seller_stock_after::TEXT,
		        buyer_battery_before::TEXT, buyer_battery_after::TEXT,
		        status, source, created_at, completed_at
		 FROM transactions
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var energy, price, total, ssb, ssa, bbb, bba string
		if err := rows.Scan(&t.ID, &t.TxHash, &t.SellerID, &t.BuyerID,
			&energy, &price, &total, &ssb, &ssa, &bbb, &bba,
			&t.Status, &t.Source, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.EnergyKwh = mustDec(energy)
		t.PricePerKwh = mustDec(price)
		t.TotalPrice = mustDec(total)
		t.SellerStockBefore = mustDec(ssb)
		t.SellerStockAfter = mustDec(ssa)
		t.BuyerBatteryBefore = mustDec(bbb)
		t.BuyerBatteryAfter = mustDec(bba)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) SumCompletedEnergySince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(energy_kwh), 0)::TEXT FROM transactions
		 WHERE status = $1 AND created_at >= $2`,
		model.TxCompleted, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return mustDec(sum), nil
}

// --- System price ---

func (s *PostgresStore) GetActivePrice(ctx context.Context) (*model.SystemPrice, error) {
	var p model.SystemPrice
	var base, mult, final, supply, demand, ratio string
	err := s.db.QueryRow(ctx,
		`SELECT id, base_price::TEXT, multiplier::TEXT, final_price::TEXT,
		        supply_kwh::TEXT, demand_kwh::TEXT, supply_demand_ratio::TEXT,
		        market_condition, is_active, effective_from, effective_until
		 FROM system_prices
		 WHERE is_active
		 ORDER BY effective_from DESC
		 LIMIT 1`).
		Scan(&p.ID, &base, &mult, &final, &supply, &demand, &ratio,
			&p.MarketCondition, &p.IsActive, &p.EffectiveFrom, &p.EffectiveUntil)
	if err != nil {
		return nil, notFound(err, "active system price")
	}
	p.BasePrice = mustDec(base)
	p.Multiplier = mustDec(mult)
	p.FinalPrice = mustDec(final)
	p.SupplyKwh = mustDec(supply)
	p.DemandKwh = mustDec(demand)
	p.SupplyDemandRatio = mustDec(ratio)
	return &p, nil
}

// priceRotationLockID is the advisory lock key serializing price rotation.
// Under read committed, two concurrent deactivate-then-insert transactions
// would each miss the other's insert and both commit an active row; the
// transaction-scoped lock makes the second rotation wait for the first.
const priceRotationLockID = 0x73797370 // "sysp"

func (s *PostgresStore) DeactivateActivePrices(ctx context.Context, until time.Time) error {
	if s.pool == nil {
		if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, priceRotationLockID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(ctx,
		`UPDATE system_prices SET is_active = FALSE, effective_until = $1 WHERE is_active`,
		until)
	return err
}

func (s *PostgresStore) InsertSystemPrice(ctx context.Context, p *model.SystemPrice) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO system_prices (id, base_price, multiplier, final_price, supply_kwh, demand_kwh,
		                            supply_demand_ratio, market_condition, is_active, effective_from, effective_until)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8, $9, $10, $11)`,
		p.ID, p.BasePrice.String(), p.Multiplier.String(), p.FinalPrice.String(),
		p.SupplyKwh.String(), p.DemandKwh.String(), p.SupplyDemandRatio.String(),
		p.MarketCondition, p.IsActive, p.EffectiveFrom, p.EffectiveUntil,
	)
	return err
}

// --- Telemetry ---

func (s *PostgresStore) AppendStorageLog(ctx context.Context, l *model.StorageLog) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO storage_logs (id, account_id, action, battery_kwh, main_power_kwh, solar_output, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		l.ID, l.AccountID, l.Action,
		l.BatteryKwh.String(), l.MainPowerKwh.String(), l.SolarOutput.String(),
		l.RecordedAt,
	)
	return err
}

func (s *PostgresStore) ListStorageLogs(ctx context.Context, accountID string, limit int) ([]model.StorageLog, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, action, battery_kwh::TEXT, main_power_kwh::TEXT, solar_output::TEXT, recorded_at
		 FROM storage_logs WHERE account_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.StorageLog
	for rows.Next() {
		var l model.StorageLog
		var battery, mainPower, solar string
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Action, &battery, &mainPower, &solar, &l.RecordedAt); err != nil {
			return nil, err
		}
		l.BatteryKwh = mustDec(battery)
		l.MainPowerKwh = mustDec(mainPower)
		l.SolarOutput = mustDec(solar)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) InsertScadaReading(ctx context.Context, r *model.ScadaReading) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO scada_readings (id, account_id, voltage, current, active_power, reactive_power,
		                             frequency, power_factor, grid_status, recorded_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		r.ID, r.AccountID,
		r.Voltage.String(), r.Current.String(), r.ActivePower.String(), r.ReactivePower.String(),
		r.Frequency.String(), r.PowerFactor.String(), r.GridStatus, r.RecordedAt,
	)
	return err
}
