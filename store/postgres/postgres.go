/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, for deployments that run several engine processes against one
database.

CONCURRENCY:
  Atomic opens a READ COMMITTED transaction and locks the requested account
  rows with SELECT ... FOR UPDATE (creating them first if needed), in sorted
  order. Credits are plain `balance = balance + x` upserts and take no
  explicit lock. Product claims are compare-and-set UPDATEs, which Postgres
  re-evaluates after a concurrent writer commits.

AMOUNTS:
  BIGINT cents, like the SQLite store.

SEE ALSO:
  - store/sqlite: Single-process implementation with the same schema shape
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	ledgerStore
	pool *pgxpool.Pool
}

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.AuditStore = (*Store)(nil)
	_ market.Store      = (*Store)(nil)
)

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &Store{ledgerStore: ledgerStore{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		reason TEXT,
		reference TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		seq BIGSERIAL PRIMARY KEY,
		transfer_id TEXT NOT NULL REFERENCES transfers(id),
		account_id TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT,
		reference TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_transfer ON entries(transfer_id);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL CHECK (price > 0),
		currency TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'sold_locked', 'deleted')),
		sold_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_status_category ON products(status, category);
	CREATE INDEX IF NOT EXISTS idx_products_owner ON products(owner_id);

	CREATE TABLE IF NOT EXISTS sales (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		product_name TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		referrer_id TEXT NOT NULL DEFAULT '',
		price BIGINT NOT NULL,
		gross BIGINT NOT NULL,
		fee BIGINT NOT NULL,
		net BIGINT NOT NULL,
		currency TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		transfer_id TEXT NOT NULL UNIQUE REFERENCES transfers(id),
		outcome TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK (fee + net = gross)
	);
	CREATE INDEX IF NOT EXISTS idx_sales_buyer ON sales(buyer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sales_seller ON sales(seller_id, created_at);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (sale_id, attempt)
	);
	`)
	return err
}

// =============================================================================
// SCOPES
// =============================================================================

func (s *Store) WithTx(ctx context.Context, lock []ledger.AccountID, fn func(ledger.Store) error) error {
	return s.Atomic(ctx, lock, func(sc market.Scope) error {
		return fn(sc.Ledger())
	})
}

func (s *Store) Atomic(ctx context.Context, lock []ledger.AccountID, fn func(market.Scope) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAccounts(ctx, tx, lock); err != nil {
		return err
	}
	if err := fn(scope{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockAccounts takes row locks in sorted order so two scopes can never wait
// on each other.
func lockAccounts(ctx context.Context, tx pgx.Tx, ids []ledger.AccountID) error {
	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, string(id))
	}
	sort.Strings(sorted)

	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		var balance int64
		if err := tx.QueryRow(ctx,
			`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance); err != nil {
			return fmt.Errorf("failed to lock account %s: %w", id, err)
		}
	}
	return nil
}

type scope struct{ q querier }

func (sc scope) Ledger() ledger.Store    { return ledgerStore{q: sc.q} }
func (sc scope) Catalog() catalog.Store  { return catalogStore{q: sc.q} }
func (sc scope) Sales() market.SaleStore { return saleStore{q: sc.q} }

func (s *Store) Ledger() ledger.Store    { return s.ledgerStore }
func (s *Store) Catalog() catalog.Store  { return catalogStore{q: s.pool} }
func (s *Store) Sales() market.SaleStore { return saleStore{q: s.pool} }

// =============================================================================
// LEDGER STORE
// =============================================================================

type ledgerStore struct{ q querier }

func (l ledgerStore) Balance(ctx context.Context, id ledger.AccountID) (ledger.Amount, error) {
	var balance int64
	err := l.q.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Zero(), nil
	}
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return fromCents(balance), nil
}

func (l ledgerStore) Append(ctx context.Context, t ledger.Transfer) error {
	if pool, ok := l.q.(*pgxpool.Pool); ok {
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return ledgerStore{q: tx}.Append(ctx, t)
		})
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

	// ON CONFLICT keeps the transaction usable when the reference is taken.
	var inserted string
	err = l.q.QueryRow(ctx, `
		INSERT INTO transfers (id, from_account, reason, reference, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id`,
		t.ID, t.From, t.Reason, t.Reference, t.CreatedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := l.TransferByReference(ctx, t.Reference)
		if lookupErr != nil {
			return lookupErr
		}
		if existing == nil {
			return fmt.Errorf("failed to append transfer: reference %q conflict without row", t.Reference)
		}
		return &ledger.DuplicateTransferError{Reference: t.Reference, Existing: existing.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to append transfer: %w", err)
	}

	balances := make(map[ledger.AccountID]int64)
	for i, e := range entries {
		if _, err := l.q.Exec(ctx, `
			INSERT INTO entries (transfer_id, account_id, counterparty, delta, reason, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.TransferID, e.Account, e.Counterparty, deltaCents[i], e.Reason, e.Reference, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
		balances[e.Account] += deltaCents[i]
	}

	// Row locks are taken in account order, matching lockAccounts.
	for _, id := range t.Accounts() {
		if _, err := l.q.Exec(ctx, `
			INSERT INTO accounts (id, balance, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				balance = accounts.balance + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at`,
			id, balances[id], t.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
	}
	return nil
}

func (l ledgerStore) TransferByReference(ctx context.Context, ref string) (*ledger.Transfer, error) {
	var t ledger.Transfer
	var reason, reference *string
	err := l.q.QueryRow(ctx, `
		SELECT id, from_account, reason, reference, created_at
		FROM transfers WHERE reference = $1`, ref,
	).Scan(&t.ID, &t.From, &reason, &reference, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}
	if reason != nil {
		t.Reason = *reason
	}
	if reference != nil {
		t.Reference = *reference
	}

	rows, err := l.q.Query(ctx, `
		SELECT counterparty, delta FROM entries
		WHERE transfer_id = $1 AND account_id = $2
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

func (l ledgerStore) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.Entry, error) {
	rows, err := l.q.Query(ctx, `
		SELECT transfer_id, account_id, counterparty, delta, COALESCE(reason, ''), COALESCE(reference, ''), created_at
		FROM entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2`, id, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var delta int64
		if err := rows.Scan(&e.TransferID, &e.Account, &e.Counterparty, &delta, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Delta = fromCents(delta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Balances(ctx context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	return s.sums(ctx, `SELECT id, balance FROM accounts`)
}

func (s *Store) EntrySums(ctx context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	return s.sums(ctx, `SELECT account_id, SUM(delta)::BIGINT FROM entries GROUP BY account_id`)
}

func (s *Store) sums(ctx context.Context, query string) (map[ledger.AccountID]ledger.Amount, error) {
	rows, err := s.pool.Query(ctx, query)
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
	_, err = c.q.Exec(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OwnerID, p.Name, p.Description, price[0], p.Currency, p.PayloadRef,
		p.Category, p.Status, p.SoldCount, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("product %s already exists: %w", p.ID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (c catalogStore) Product(ctx context.Context, id catalog.ProductID) (*catalog.Product, error) {
	p, err := scanProduct(c.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Category != catalog.CategoryAll {
		add("category = $%d", f.Category)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := c.q.Query(ctx, query, args...)
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

func (c catalogStore) SetStatus(ctx context.Context, id catalog.ProductID, from, to catalog.Status) (bool, error) {
	tag, err := c.q.Exec(ctx,
		`UPDATE products SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update product status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := c.Product(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (c catalogStore) IncrementSold(ctx context.Context, id catalog.ProductID) error {
	tag, err := c.q.Exec(ctx, `UPDATE products SET sold_count = sold_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment sold count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (catalog.Product, error) {
	var p catalog.Product
	var price int64
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &price, &p.Currency, &p.PayloadRef,
		&p.Category, &p.Status, &p.SoldCount, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Price = fromCents(price)
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
	_, err = r.q.Exec(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.ProductID, s.ProductName, s.BuyerID, s.SellerID, s.ReferrerID,
		amounts[0], amounts[1], amounts[2], amounts[3],
		s.Currency, s.PayloadRef, s.TransferID, s.Outcome, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sale: %w", err)
	}
	return nil
}

func (r saleStore) Sale(ctx context.Context, id market.SaleID) (*market.Sale, error) {
	s, err := scanSale(r.q.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
		args = append(args, f.BuyerID)
		where = append(where, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitArg(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d", len(args))

	return r.querySales(ctx, query, args...)
}

func (r saleStore) AppendDeliveryAttempt(ctx context.Context, a market.DeliveryAttempt) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO delivery_attempts (sale_id, attempt, status, reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.SaleID, a.Attempt, a.Status, a.Reason, a.At,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return market.ErrSaleNotFound
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("delivery attempt %d of sale %s already recorded: %w", a.Attempt, a.SaleID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

func (r saleStore) DeliveryAttempts(ctx context.Context, id market.SaleID) ([]market.DeliveryAttempt, error) {
	rows, err := r.q.Query(ctx, `
		SELECT sale_id, attempt, status, reason, attempted_at
		FROM delivery_attempts WHERE sale_id = $1
		ORDER BY attempt`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []market.DeliveryAttempt
	for rows.Next() {
		var a market.DeliveryAttempt
		if err := rows.Scan(&a.SaleID, &a.Attempt, &a.Status, &a.Reason, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r saleStore) UndeliveredSales(ctx context.Context, createdBefore time.Time, maxAttempts int) ([]market.Sale, error) {
	query := `
		SELECT ` + saleColumns + ` FROM sales s
		WHERE s.created_at < $1
		  AND COALESCE((SELECT d.status FROM delivery_attempts d
		                WHERE d.sale_id = s.id ORDER BY d.attempt DESC LIMIT 1), 'pending') <> 'delivered'
		  AND ($2 <= 0 OR (SELECT COUNT(*) FROM delivery_attempts d WHERE d.sale_id = s.id) < $2)
		ORDER BY s.created_at`
	return r.querySales(ctx, query, createdBefore, maxAttempts)
}

func (r saleStore) querySales(ctx context.Context, query string, args ...any) ([]market.Sale, error) {
	rows, err := r.q.Query(ctx, query, args...)
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

func scanSale(row pgx.Row) (market.Sale, error) {
	var s market.Sale
	var price, gross, fee, net int64
	err := row.Scan(&s.ID, &s.ProductID, &s.ProductName, &s.BuyerID, &s.SellerID, &s.ReferrerID,
		&price, &gross, &fee, &net, &s.Currency, &s.PayloadRef, &s.TransferID, &s.Outcome, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan sale: %w", err)
	}
	s.Price = fromCents(price)
	s.Gross = fromCents(gross)
	s.Fee = fromCents(fee)
	s.Net = fromCents(net)
	return s, nil
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) Stats(ctx context.Context) (market.Stats, error) {
	var st market.Stats
	var volume, fees int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM products WHERE status = 'active'),
			(SELECT COUNT(*) FROM sales),
			(SELECT COALESCE(SUM(gross), 0)::BIGINT FROM sales),
			(SELECT COALESCE(SUM(fee), 0)::BIGINT FROM sales)`,
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

// limitArg maps "no limit" to NULL, which Postgres treats as LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
