// Package memory provides an in-memory implementation of every store the
// engine needs (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps everything in maps guarded by one RWMutex.
//
// Scopes lock their accounts with per-account mutexes taken in sorted order.
// Ledger writes are buffered in the scope and published at commit; catalog
// writes apply immediately (a claim must be visible to concurrent scopes)
// and are undone on rollback.
type Store struct {
	mu        sync.RWMutex
	balances  map[ledger.AccountID]ledger.Amount
	transfers map[ledger.TransferID]ledger.Transfer
	byRef     map[string]ledger.TransferID
	entries   map[ledger.AccountID][]ledger.Entry // oldest first
	products  map[catalog.ProductID]catalog.Product
	sales     []market.Sale // oldest first
	saleIdx   map[market.SaleID]int
	attempts  map[market.SaleID][]market.DeliveryAttempt

	locksMu sync.Mutex
	locks   map[ledger.AccountID]*sync.Mutex
}

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.AuditStore = (*Store)(nil)
	_ market.Store      = (*Store)(nil)
)

func New() *Store {
	return &Store{
		balances:  make(map[ledger.AccountID]ledger.Amount),
		transfers: make(map[ledger.TransferID]ledger.Transfer),
		byRef:     make(map[string]ledger.TransferID),
		entries:   make(map[ledger.AccountID][]ledger.Entry),
		products:  make(map[catalog.ProductID]catalog.Product),
		saleIdx:   make(map[market.SaleID]int),
		attempts:  make(map[market.SaleID][]market.DeliveryAttempt),
		locks:     make(map[ledger.AccountID]*sync.Mutex),
	}
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

// Atomic implements market.Store.
func (s *Store) Atomic(ctx context.Context, lock []ledger.AccountID, fn func(market.Scope) error) error {
	unlock := s.lockAccounts(lock)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sc := &scope{store: s}
	if err := fn(sc); err != nil {
		sc.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		sc.rollback()
		return err
	}
	if err := sc.commit(); err != nil {
		sc.rollback()
		return err
	}
	return nil
}

func (s *Store) lockAccounts(ids []ledger.AccountID) func() {
	ids = uniqueSorted(ids)

	s.locksMu.Lock()
	mus := make([]*sync.Mutex, len(ids))
	for i, id := range ids {
		mu, ok := s.locks[id]
		if !ok {
			mu = &sync.Mutex{}
			s.locks[id] = mu
		}
		mus[i] = mu
	}
	s.locksMu.Unlock()

	for _, mu := range mus {
		mu.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}

func uniqueSorted(ids []ledger.AccountID) []ledger.AccountID {
	seen := make(map[ledger.AccountID]bool, len(ids))
	out := make([]ledger.AccountID, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// scope buffers ledger and sale writes until commit.
type scope struct {
	store     *Store
	transfers []ledger.Transfer
	sales     []market.Sale
	attempts  []market.DeliveryAttempt
	undo      []func()
}

func (sc *scope) Ledger() ledger.Store    { return scopeLedger{sc} }
func (sc *scope) Catalog() catalog.Store  { return scopeCatalog{sc} }
func (sc *scope) Sales() market.SaleStore { return scopeSales{sc} }

// commit publishes buffered writes under the write lock. References and
// sale ids are re-checked since another scope may have committed them.
func (sc *scope) commit() error {
	s := sc.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range sc.transfers {
		if existing, ok := s.byRef[t.Reference]; ok && t.Reference != "" {
			return &ledger.DuplicateTransferError{Reference: t.Reference, Existing: existing}
		}
	}
	for _, sale := range sc.sales {
		if _, ok := s.saleIdx[sale.ID]; ok {
			return fmt.Errorf("sale %s already recorded", sale.ID)
		}
	}
	for _, a := range sc.attempts {
		if err := s.checkAttemptLocked(a); err != nil {
			return err
		}
	}

	for _, t := range sc.transfers {
		s.applyTransferLocked(t)
	}
	for _, sale := range sc.sales {
		s.saleIdx[sale.ID] = len(s.sales)
		s.sales = append(s.sales, sale)
	}
	for _, a := range sc.attempts {
		s.attempts[a.SaleID] = append(s.attempts[a.SaleID], a)
	}
	return nil
}

func (sc *scope) rollback() {
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	for i := len(sc.undo) - 1; i >= 0; i-- {
		sc.undo[i]()
	}
	sc.undo = nil
}

// pendingDelta sums the buffered postings of id.
func (sc *scope) pendingDelta(id ledger.AccountID) ledger.Amount {
	delta := ledger.Zero()
	for _, t := range sc.transfers {
		for _, e := range t.Entries() {
			if e.Account == id {
				delta = delta.Add(e.Delta)
			}
		}
	}
	return delta
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) applyTransferLocked(t ledger.Transfer) {
	s.transfers[t.ID] = t
	if t.Reference != "" {
		s.byRef[t.Reference] = t.ID
	}
	for _, e := range t.Entries() {
		s.balances[e.Account] = s.balances[e.Account].Add(e.Delta)
		s.entries[e.Account] = append(s.entries[e.Account], e)
	}
}

func (s *Store) Balance(_ context.Context, id ledger.AccountID) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[id], nil
}

// Append outside a scope commits immediately.
func (s *Store) Append(ctx context.Context, t ledger.Transfer) error {
	return s.WithTx(ctx, nil, func(ls ledger.Store) error {
		return ls.Append(ctx, t)
	})
}

func (s *Store) TransferByReference(_ context.Context, ref string) (*ledger.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transferByRefLocked(ref), nil
}

func (s *Store) transferByRefLocked(ref string) *ledger.Transfer {
	id, ok := s.byRef[ref]
	if !ok {
		return nil
	}
	t := s.transfers[id]
	return &t
}

func (s *Store) Entries(_ context.Context, id ledger.AccountID, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[id]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ledger.Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// Balances implements ledger.AuditStore.
func (s *Store) Balances(_ context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[ledger.AccountID]ledger.Amount, len(s.balances))
	for id, bal := range s.balances {
		result[id] = bal
	}
	return result, nil
}

// EntrySums implements ledger.AuditStore.
func (s *Store) EntrySums(_ context.Context) (map[ledger.AccountID]ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[ledger.AccountID]ledger.Amount, len(s.entries))
	for id, entries := range s.entries {
		sum := ledger.Zero()
		for _, e := range entries {
			sum = sum.Add(e.Delta)
		}
		result[id] = sum
	}
	return result, nil
}

// SetBalance overwrites a materialized balance without an entry. It exists
// to simulate corruption in tests.
func (s *Store) SetBalance(id ledger.AccountID, amount ledger.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[id] = amount
}

type scopeLedger struct{ sc *scope }

func (l scopeLedger) Balance(ctx context.Context, id ledger.AccountID) (ledger.Amount, error) {
	bal, err := l.sc.store.Balance(ctx, id)
	if err != nil {
		return ledger.Amount{}, err
	}
	return bal.Add(l.sc.pendingDelta(id)), nil
}

func (l scopeLedger) Append(_ context.Context, t ledger.Transfer) error {
	if t.Reference != "" {
		for _, p := range l.sc.transfers {
			if p.Reference == t.Reference {
				return &ledger.DuplicateTransferError{Reference: t.Reference, Existing: p.ID}
			}
		}
		l.sc.store.mu.RLock()
		existing := l.sc.store.transferByRefLocked(t.Reference)
		l.sc.store.mu.RUnlock()
		if existing != nil {
			return &ledger.DuplicateTransferError{Reference: t.Reference, Existing: existing.ID}
		}
	}
	l.sc.transfers = append(l.sc.transfers, t)
	return nil
}

func (l scopeLedger) TransferByReference(ctx context.Context, ref string) (*ledger.Transfer, error) {
	for _, p := range l.sc.transfers {
		if p.Reference == ref {
			t := p
			return &t, nil
		}
	}
	return l.sc.store.TransferByReference(ctx, ref)
}

func (l scopeLedger) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.Entry, error) {
	return l.sc.store.Entries(ctx, id, limit)
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog returns the product store outside of any scope.
func (s *Store) Catalog() catalog.Store { return rootCatalog{s} }

type rootCatalog struct{ s *Store }

func (c rootCatalog) InsertProduct(_ context.Context, p catalog.Product) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.insertProductLocked(p)
}

func (c rootCatalog) Product(_ context.Context, id catalog.ProductID) (*catalog.Product, error) {
	return c.s.product(id)
}

func (c rootCatalog) Products(_ context.Context, f catalog.Filter) ([]catalog.Product, error) {
	return c.s.productsMatching(f), nil
}

func (c rootCatalog) SetStatus(_ context.Context, id catalog.ProductID, from, to catalog.Status) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.setStatusLocked(id, from, to)
}

func (c rootCatalog) IncrementSold(_ context.Context, id catalog.ProductID) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.addSoldLocked(id, 1)
}

func (s *Store) insertProductLocked(p catalog.Product) error {
	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	s.products[p.ID] = p
	return nil
}

func (s *Store) product(id catalog.ProductID) (*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (s *Store) productsMatching(f catalog.Filter) []catalog.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []catalog.Product
	for _, p := range s.products {
		if f.OwnerID != "" && p.OwnerID != f.OwnerID {
			continue
		}
		if f.Category != catalog.CategoryAll && p.Category != f.Category {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) setStatusLocked(id catalog.ProductID, from, to catalog.Status) (bool, error) {
	p, ok := s.products[id]
	if !ok {
		return false, catalog.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	s.products[id] = p
	return true, nil
}

func (s *Store) addSoldLocked(id catalog.ProductID, n int) error {
	p, ok := s.products[id]
	if !ok {
		return catalog.ErrNotFound
	}
	p.SoldCount += n
	s.products[id] = p
	return nil
}

type scopeCatalog struct{ sc *scope }

func (c scopeCatalog) InsertProduct(_ context.Context, p catalog.Product) error {
	s := c.sc.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertProductLocked(p); err != nil {
		return err
	}
	c.sc.undo = append(c.sc.undo, func() { delete(s.products, p.ID) })
	return nil
}

func (c scopeCatalog) Product(_ context.Context, id catalog.ProductID) (*catalog.Product, error) {
	return c.sc.store.product(id)
}

func (c scopeCatalog) Products(_ context.Context, f catalog.Filter) ([]catalog.Product, error) {
	return c.sc.store.productsMatching(f), nil
}

func (c scopeCatalog) SetStatus(_ context.Context, id catalog.ProductID, from, to catalog.Status) (bool, error) {
	s := c.sc.store
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.setStatusLocked(id, from, to)
	if ok {
		c.sc.undo = append(c.sc.undo, func() { _, _ = s.setStatusLocked(id, to, from) })
	}
	return ok, err
}

func (c scopeCatalog) IncrementSold(_ context.Context, id catalog.ProductID) error {
	s := c.sc.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addSoldLocked(id, 1); err != nil {
		return err
	}
	c.sc.undo = append(c.sc.undo, func() { _ = s.addSoldLocked(id, -1) })
	return nil
}

// =============================================================================
// SALES
// =============================================================================

// Ledger returns the ledger store outside of any scope.
func (s *Store) Ledger() ledger.Store { return s }

// Sales returns the sale store outside of any scope.
func (s *Store) Sales() market.SaleStore { return rootSales{s} }

type rootSales struct{ s *Store }

func (r rootSales) AppendSale(ctx context.Context, sale market.Sale) error {
	return r.s.Atomic(ctx, nil, func(sc market.Scope) error {
		return sc.Sales().AppendSale(ctx, sale)
	})
}

func (r rootSales) Sale(_ context.Context, id market.SaleID) (*market.Sale, error) {
	return r.s.sale(id)
}

func (r rootSales) Sales(_ context.Context, f market.SaleFilter) ([]market.Sale, error) {
	return r.s.salesMatching(f), nil
}

func (r rootSales) AppendDeliveryAttempt(_ context.Context, a market.DeliveryAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.checkAttemptLocked(a); err != nil {
		return err
	}
	r.s.attempts[a.SaleID] = append(r.s.attempts[a.SaleID], a)
	return nil
}

func (r rootSales) DeliveryAttempts(_ context.Context, id market.SaleID) ([]market.DeliveryAttempt, error) {
	return r.s.deliveryAttempts(id), nil
}

func (r rootSales) UndeliveredSales(_ context.Context, createdBefore time.Time, maxAttempts int) ([]market.Sale, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []market.Sale
	for _, sale := range r.s.sales {
		if !sale.CreatedAt.Before(createdBefore) {
			continue
		}
		attempts := r.s.attempts[sale.ID]
		status, _ := market.DeliveryState(attempts)
		if status == market.DeliveryDelivered {
			continue
		}
		if maxAttempts > 0 && len(attempts) >= maxAttempts {
			continue
		}
		result = append(result, sale)
	}
	return result, nil
}

func (s *Store) sale(id market.SaleID) (*market.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.saleIdx[id]
	if !ok {
		return nil, market.ErrSaleNotFound
	}
	sale := s.sales[i]
	return &sale, nil
}

func (s *Store) salesMatching(f market.SaleFilter) []market.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []market.Sale
	for i := len(s.sales) - 1; i >= 0; i-- {
		sale := s.sales[i]
		if f.BuyerID != "" && sale.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && sale.SellerID != f.SellerID {
			continue
		}
		result = append(result, sale)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result
}

func (s *Store) deliveryAttempts(id market.SaleID) []market.DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]market.DeliveryAttempt, len(s.attempts[id]))
	copy(result, s.attempts[id])
	return result
}

func (s *Store) checkAttemptLocked(a market.DeliveryAttempt) error {
	if _, ok := s.saleIdx[a.SaleID]; !ok {
		return market.ErrSaleNotFound
	}
	for _, existing := range s.attempts[a.SaleID] {
		if existing.Attempt == a.Attempt {
			return fmt.Errorf("delivery attempt %d of sale %s already recorded", a.Attempt, a.SaleID)
		}
	}
	return nil
}

type scopeSales struct{ sc *scope }

func (r scopeSales) AppendSale(_ context.Context, sale market.Sale) error {
	for _, p := range r.sc.sales {
		if p.ID == sale.ID {
			return fmt.Errorf("sale %s already recorded", sale.ID)
		}
	}
	r.sc.sales = append(r.sc.sales, sale)
	return nil
}

func (r scopeSales) Sale(_ context.Context, id market.SaleID) (*market.Sale, error) {
	for _, p := range r.sc.sales {
		if p.ID == id {
			sale := p
			return &sale, nil
		}
	}
	return r.sc.store.sale(id)
}

func (r scopeSales) Sales(_ context.Context, f market.SaleFilter) ([]market.Sale, error) {
	return r.sc.store.salesMatching(f), nil
}

func (r scopeSales) AppendDeliveryAttempt(_ context.Context, a market.DeliveryAttempt) error {
	r.sc.attempts = append(r.sc.attempts, a)
	return nil
}

func (r scopeSales) DeliveryAttempts(_ context.Context, id market.SaleID) ([]market.DeliveryAttempt, error) {
	return r.sc.store.deliveryAttempts(id), nil
}

func (r scopeSales) UndeliveredSales(ctx context.Context, createdBefore time.Time, maxAttempts int) ([]market.Sale, error) {
	return rootSales{r.sc.store}.UndeliveredSales(ctx, createdBefore, maxAttempts)
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) Stats(_ context.Context) (market.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := market.Stats{
		Accounts:     len(s.balances),
		Products:     len(s.products),
		Sales:        len(s.sales),
		Volume:       ledger.Zero(),
		PlatformFees: ledger.Zero(),
	}
	for _, p := range s.products {
		if p.IsActive() {
			st.ActiveProducts++
		}
	}
	for _, sale := range s.sales {
		st.Volume = st.Volume.Add(sale.Gross)
		st.PlatformFees = st.PlatformFees.Add(sale.Fee)
	}
	return st, nil
}
