/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the marketplace in one SQLite
  database, so the funds transfer, the product claim and the sale record
  commit or roll back together.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    Balances and the transfer log
  ledger.AuditStore: Raw material for Verify
  catalog.Store:     Product listings (via Catalog())
  market.Store:      Sales, delivery attempts, Atomic scopes, Stats

APPEND-ONLY ENFORCEMENT:
  - transfers, entries, sales and delivery_attempts are only INSERTed
  - accounts.balance is a materialized sum of entries, updated in the
    same transaction as the entry rows
  - products are the only mutable rows (status, sold_count)

KEY TABLES:
  accounts:          Materialized balance per account
  transfers:         One row per posted transfer (reference UNIQUE)
  entries:           Signed postings; SUM(delta) per account == balance
  products:          Catalog
  sales:             Immutable purchase records
  delivery_attempts: Delivery log, (sale_id, attempt) unique

AMOUNTS:
  Stored as INTEGER cents. SQLite has no decimal type, and SUM over TEXT
  silently goes through REAL.

CONCURRENCY:
  One connection, transactions opened with BEGIN IMMEDIATE. Scopes are
  therefore fully serialized; the lock list passed to Atomic is implied.
  Every statement inside a scope goes through the *sql.Tx, never the pool.

USAGE:
  store, err := sqlite.New("./data/market.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.WithOverdraftAccount("treasury"))

SEE ALSO:
  - ledger/store.go: Ledger contract
  - market/store.go: Unit-of-work contract
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

// timeLayout is fixed-width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	ledgerStore
	db *sql.DB
}

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.AuditStore = (*Store)(nil)
	_ market.Store      = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	store := &Store{ledgerStore: ledgerStore{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Transfers (append-only)
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		reason TEXT,
		reference TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Entries (append-only). Two rows per transfer leg, deltas sum to zero.
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		transfer_id TEXT NOT NULL REFERENCES transfers(id),
		account_id TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT,
		reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON entries(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_transfer
		ON entries(transfer_id);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		price INTEGER NOT NULL CHECK (price > 0),
		currency TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'sold_locked', 'deleted')),
		sold_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_status_category
		ON products(status, category);
	CREATE INDEX IF NOT EXISTS idx_products_owner
		ON products(owner_id);

	-- Sales (append-only)
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		product_name TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		referrer_id TEXT,
		price INTEGER NOT NULL,
		gross INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		net INTEGER NOT NULL,
		currency TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		transfer_id TEXT NOT NULL UNIQUE REFERENCES transfers(id),
		outcome TEXT NOT NULL,
		created_at TEXT NOT NULL,
		CHECK (fee + net = gross)
	);

	CREATE INDEX IF NOT EXISTS idx_sales_buyer ON sales(buyer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sales_seller ON sales(seller_id, created_at);

	-- Delivery log (append-only)
	CREATE TABLE IF NOT EXISTS delivery_attempts (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		attempted_at TEXT NOT NULL,
		PRIMARY KEY (sale_id, attempt)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCOPES
// =============================================================================

// WithTx implements ledger.TxStore.
func (s *Store) WithTx(ctx context.Context, lock []ledger.AccountID, fn func(ledger.Store) error) error {
	return s.Atomic(ctx, lock, func(sc market.Scope) error {
		return fn(sc.Ledger())
	})
}

// Atomic implements market.Store. The whole scope is one IMMEDIATE
// transaction, which already excludes every other writer.
func (s *Store) Atomic(ctx context.Context, _ []ledger.AccountID, fn func(market.Scope) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(scope{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scope struct{ q querier }

func (sc scope) Ledger() ledger.Store    { return ledgerStore{q: sc.q} }
func (sc scope) Catalog() catalog.Store  { return catalogStore{q: sc.q} }
func (sc scope) Sales() market.SaleStore { return saleStore{q: sc.q} }

func (s *Store) Ledger() ledger.Store    { return s.ledgerStore }
func (s *Store) Catalog() catalog.Store  { return catalogStore{q: s.db} }
func (s *Store) Sales() market.SaleStore { return saleStore{q: s.db} }

// =============================================================================
// LEDGER STORE
// =============================================================================

type ledgerStore struct{ q querier }

// Balance returns zero for accounts that have never been posted to.
func (l ledgerStore) Balance(ctx context.Context, id ledger.AccountID) (ledger.Amount, error) {
	var balance int64
	err := l.q.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = ?", id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Zero(), nil
	}
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return fromCents(balance), nil
}

// Append writes the transfer row, its entries and the balance increments.
// Outside a scope it opens its own transaction.
func (l ledgerStore) Append(ctx context.Context, t ledger.Transfer) error {
	if db, ok := l.q.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		if err := (ledgerStore{q: tx}).Append(ctx, t); err != nil {
			return err
		}
		return tx.Commit()
	}

	entries := t.Entries()
	deltas := make([]ledger.Amount, len(entries))
	for i, e := range entries {
		deltas[i] = e.Delta
	}
	deltaCents, err := cents(deltas...)
	if err != nil {
		return fmt.Errorf("failed to append transfer %s: %w", t.ID, err)
	}

	_, err = l.q.ExecContext(ctx, `
		INSERT INTO transfers (id, from_account, reason, reference, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.From, t.Reason, nullString(t.Reference), formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && t.Reference != "" {
			existing, lookupErr := l.TransferByReference(ctx, t.Reference)
			if lookupErr == nil && existing != nil {
				return &ledger.DuplicateTransferError{Reference: t.Reference, Existing: existing.ID}
			}
		}
		return fmt.Errorf("failed to append transfer: %w", err)
	}

	for i, e := range entries {
		_, err := l.q.ExecContext(ctx, `
			INSERT INTO entries (transfer_id, account_id, counterparty, delta, reason, reference, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.TransferID, e.Account, e.Counterparty, deltaCents[i], e.Reason, e.Reference, formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}

		_, err = l.q.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				balance = balance + excluded.balance,
				updated_at = excluded.updated_at`,
			e.Account, deltaCents[i], formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
	}
	return nil
}

func (l ledgerStore) TransferByReference(ctx context.Context, ref string) (*ledger.Transfer, error) {
	var (
		t         ledger.Transfer
		reason    sql.NullString
		reference sql.NullString
		createdAt string
	)
	err := l.q.QueryRowContext(ctx, `
		SELECT id, from_account, reason, reference, created_at
		FROM transfers WHERE reference = ?`, ref,
	).Scan(&t.ID, &t.From, &reason, &reference, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}
	t.Reason = reason.String
	t.Reference = reference.String
	t.CreatedAt = parseTime(createdAt)

	rows, err := l.q.QueryContext(ctx, `
		SELECT counterparty, delta FROM entries
		WHERE transfer_id = ? AND account_id = ?
		ORDER BY seq`, t.ID, t.From)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var to ledger.AccountID
		var delta int64
		if err := rows.Scan(&to, &delta); err != nil {
			return nil, fmt.Errorf("failed to scan transfer leg: %w", err)
		}
		t.Legs = append(t.Legs, ledger.Leg{To: to, Amount: fromCents(-delta)})
	}
	return &t, rows.Err()
}

// Entries returns the newest postings first. limit <= 0 means all.
func (l ledgerStore) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.q.QueryContext(ctx, `
		SELECT transfer_id, account_id, counterparty, delta, reason, reference, created_at
		FROM entries
		WHERE account_id = ?
		ORDER BY seq DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			delta     int64
			reason    sql.NullString
			reference sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.TransferID, &e.Account, &e.Counterparty, &delta, &reason, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Delta = fromCents(delta)
		e.Reason = reason.String
		e.Reference = reference.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Balances implements ledger.AuditStore.
func (s *Store) Balances(ctx context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	return s.sums(ctx, "SELECT id, balance FROM accounts")
}

// EntrySums implements ledger.AuditStore.
func (s *Store) EntrySums(ctx context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	return s.sums(ctx, "SELECT account_id, SUM(delta) FROM entries GROUP BY account_id")
}

func (s *Store) sums(ctx context.Context, query string) (map[ledger.AccountID]ledger.Amount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	result := make(map[ledger.AccountID]ledger.Amount)
	for rows.Next() {
		var id ledger.AccountID
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		result[id] = fromCents(sum)
	}
	return result, rows.Err()
}

// =============================================================================
// CATALOG STORE
// =============================================================================

type catalogStore struct{ q querier }

const productColumns = `id, owner_id, name, description, price, currency, payload_ref,
	category, status, sold_count, created_at`

func (c catalogStore) InsertProduct(ctx context.Context, p catalog.Product) error {
	price, err := cents(p.Price)
	if err != nil {
		return fmt.Errorf("failed to insert product %s: %w", p.ID, err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Description, price[0], p.Currency, p.PayloadRef,
		p.Category, p.Status, p.SoldCount, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (c catalogStore) Product(ctx context.Context, id catalog.ProductID) (*catalog.Product, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = ?", id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c catalogStore) Products(ctx context.Context, f catalog.Filter) ([]catalog.Product, error) {
	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Category != catalog.CategoryAll {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + productColumns + " FROM products"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []catalog.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// SetStatus is a compare-and-set on the status column.
func (c catalogStore) SetStatus(ctx context.Context, id catalog.ProductID, from, to catalog.Status) (bool, error) {
	res, err := c.q.ExecContext(ctx,
		"UPDATE products SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update product status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := c.Product(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (c catalogStore) IncrementSold(ctx context.Context, id catalog.ProductID) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE products SET sold_count = sold_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment sold count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (catalog.Product, error) {
	var (
		p           catalog.Product
		description sql.NullString
		price       int64
		createdAt   string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &description, &price, &p.Currency, &p.PayloadRef,
		&p.Category, &p.Status, &p.SoldCount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Description = description.String
	p.Price = fromCents(price)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// SALE STORE
// =============================================================================

type saleStore struct{ q querier }

const saleColumns = `id, product_id, product_name, buyer_id, seller_id, referrer_id,
	price, gross, fee, net, currency, payload_ref, transfer_id, outcome, created_at`

func (r saleStore) AppendSale(ctx context.Context, s market.Sale) error {
	amounts, err := cents(s.Price, s.Gross, s.Fee, s.Net)
	if err != nil {
		return fmt.Errorf("failed to append sale %s: %w", s.ID, err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProductID, s.ProductName, s.BuyerID, s.SellerID, nullString(string(s.ReferrerID)),
		amounts[0], amounts[1], amounts[2], amounts[3],
		s.Currency, s.PayloadRef, s.TransferID, s.Outcome, formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append sale: %w", err)
	}
	return nil
}

func (r saleStore) Sale(ctx context.Context, id market.SaleID) (*market.Sale, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+saleColumns+" FROM sales WHERE id = ?", id)
	s, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrSaleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r saleStore) Sales(ctx context.Context, f market.SaleFilter) ([]market.Sale, error) {
	var where []string
	var args []any
	if f.BuyerID != "" {
		where = append(where, "buyer_id = ?")
		args = append(args, f.BuyerID)
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = ?")
		args = append(args, f.SellerID)
	}

	query := "SELECT " + saleColumns + " FROM sales"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	return r.querySales(ctx, query, args...)
}

func (r saleStore) AppendDeliveryAttempt(ctx context.Context, a market.DeliveryAttempt) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO delivery_attempts (sale_id, attempt, status, reason, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.SaleID, a.Attempt, a.Status, nullString(a.Reason), formatTime(a.At),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return market.ErrSaleNotFound
		}
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

func (r saleStore) DeliveryAttempts(ctx context.Context, id market.SaleID) ([]market.DeliveryAttempt, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT sale_id, attempt, status, reason, attempted_at
		FROM delivery_attempts WHERE sale_id = ?
		ORDER BY attempt`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []market.DeliveryAttempt
	for rows.Next() {
		var a market.DeliveryAttempt
		var reason sql.NullString
		var at string
		if err := rows.Scan(&a.SaleID, &a.Attempt, &a.Status, &reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Reason = reason.String
		a.At = parseTime(at)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r saleStore) UndeliveredSales(ctx context.Context, createdBefore time.Time, maxAttempts int) ([]market.Sale, error) {
	query := `
		SELECT ` + saleColumns + ` FROM sales s
		WHERE s.created_at < ?
		  AND COALESCE((SELECT d.status FROM delivery_attempts d
		                WHERE d.sale_id = s.id ORDER BY d.attempt DESC LIMIT 1), 'pending') != 'delivered'
		  AND (? <= 0 OR (SELECT COUNT(*) FROM delivery_attempts d WHERE d.sale_id = s.id) < ?)
		ORDER BY s.created_at`
	return r.querySales(ctx, query, formatTime(createdBefore), maxAttempts, maxAttempts)
}

func (r saleStore) querySales(ctx context.Context, query string, args ...any) ([]market.Sale, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var sales []market.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}

func scanSale(row scanner) (market.Sale, error) {
	var (
		s                      market.Sale
		referrer               sql.NullString
		price, gross, fee, net int64
		createdAt              string
	)
	err := row.Scan(&s.ID, &s.ProductID, &s.ProductName, &s.BuyerID, &s.SellerID, &referrer,
		&price, &gross, &fee, &net, &s.Currency, &s.PayloadRef, &s.TransferID, &s.Outcome, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan sale: %w", err)
	}
	s.ReferrerID = ledger.AccountID(referrer.String)
	s.Price = fromCents(price)
	s.Gross = fromCents(gross)
	s.Fee = fromCents(fee)
	s.Net = fromCents(net)
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) Stats(ctx context.Context) (market.Stats, error) {
	var st market.Stats
	var volume, fees int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM products WHERE status = 'active'),
			(SELECT COUNT(*) FROM sales),
			(SELECT COALESCE(SUM(gross), 0) FROM sales),
			(SELECT COALESCE(SUM(fee), 0) FROM sales)`,
	).Scan(&st.Accounts, &st.Products, &st.ActiveProducts, &st.Sales, &volume, &fees)
	if err != nil {
		return market.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	st.Volume = fromCents(volume)
	st.PlatformFees = fromCents(fees)
	return st, nil
}

// Helper functions

// cents converts to the stored int64 form, failing instead of wrapping on
// values outside the column range.
func cents(amounts ...ledger.Amount) ([]int64, error) {
	out := make([]int64, len(amounts))
	for i, a := range amounts {
		c, err := a.MinorUnits()
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func fromCents(c int64) ledger.Amount {
	return ledger.NewAmountFromDecimal(decimal.New(c, -ledger.Scale))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
