package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
	"github.com/warp/market-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, inventory market.InventoryPolicy) (*market.Engine, *catalog.Catalog, *ledger.Ledger) {
	store := newTestStore(t)
	cfg := market.DefaultConfig()
	cfg.Inventory = inventory

	l := ledger.New(store, ledger.WithOverdraftAccount(cfg.TreasuryAccount))
	return market.NewEngine(store, l, cfg), catalog.New(store.Catalog()), l
}

func listProduct(t *testing.T, c *catalog.Catalog, owner ledger.AccountID, price string) catalog.ProductID {
	t.Helper()
	id, err := c.Create(context.Background(), catalog.Draft{
		OwnerID:    owner,
		Name:       "Album",
		Price:      ledger.MustParseAmount(price),
		Currency:   ledger.Credit,
		PayloadRef: "file-album",
		Category:   catalog.CategoryMusic,
	})
	require.NoError(t, err)
	return id
}

func balanceOf(t *testing.T, e *market.Engine, id ledger.AccountID) string {
	t.Helper()
	bal, err := e.Balance(context.Background(), id)
	require.NoError(t, err)
	return bal.String()
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_AppendAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	transfer := ledger.Transfer{
		ID:   "t1",
		From: "alice",
		Legs: []ledger.Leg{
			{To: "bob", Amount: ledger.MustParseAmount("9.90")},
			{To: "platform", Amount: ledger.MustParseAmount("0.20")},
		},
		Reason:    "purchase",
		Reference: "sale:1",
		CreatedAt: now,
	}
	require.NoError(t, store.Append(ctx, transfer))

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "-10.10", bal.String())

	got, err := store.TransferByReference(ctx, "sale:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, transfer.ID, got.ID)
	assert.True(t, got.CreatedAt.Equal(now))
	require.Len(t, got.Legs, 2)
	assert.Equal(t, ledger.AccountID("bob"), got.Legs[0].To)
	assert.Equal(t, "9.90", got.Legs[0].Amount.String())
	assert.Equal(t, "10.10", got.Total().String())

	missing, err := store.TransferByReference(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entries, err := store.Entries(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AccountID("platform"), entries[0].Counterparty)
}

func TestStore_DuplicateReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := ledger.Transfer{ID: "t1", From: "treasury", Reference: "deposit:x", CreatedAt: time.Now(),
		Legs: []ledger.Leg{{To: "alice", Amount: ledger.MustParseAmount("1")}}}
	require.NoError(t, store.Append(ctx, first))

	second := first
	second.ID = "t2"
	err := store.Append(ctx, second)

	var dup *ledger.DuplicateTransferError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ledger.TransferID("t1"), dup.Existing)

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1.00", bal.String(), "rejected transfer leaves no partial rows")
}

func TestStore_AtomicRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, []ledger.AccountID{"treasury"}, func(s ledger.Store) error {
		require.NoError(t, s.Append(ctx, ledger.Transfer{ID: "t1", From: "treasury", CreatedAt: time.Now(),
			Legs: []ledger.Leg{{To: "alice", Amount: ledger.MustParseAmount("5")}}}))
		bal, err := s.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "5.00", bal.String())
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	sums, err := store.EntrySums(ctx)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestStore_AppendRejectsAmountOutsideColumnRange(t *testing.T) {
	// GIVEN: A transfer one cent above what an int64 column holds in cents
	// WHEN: It is appended directly, bypassing ledger validation
	// THEN: The store refuses it instead of wrapping, and writes nothing

	store := newTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, ledger.Transfer{ID: "t1", From: "treasury", Reference: "deposit:big", CreatedAt: time.Now(),
		Legs: []ledger.Leg{{To: "alice", Amount: ledger.MustParseAmount("92233720368547758.08")}}})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	got, err := store.TransferByReference(ctx, "deposit:big")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = store.Catalog().InsertProduct(ctx, catalog.Product{
		ID: "p1", OwnerID: "seller", Name: "Huge", Price: ledger.MaxAmount.Add(ledger.MustParseAmount("0.01")),
		Currency: ledger.Credit, PayloadRef: "f", Category: catalog.CategoryGeneral,
		Status: catalog.StatusActive, CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestStore_ProductStatusCAS(t *testing.T) {
	store := newTestStore(t)
	c := catalog.New(store.Catalog())
	ctx := context.Background()
	id := listProduct(t, c, "seller", "5")

	ok, err := store.Catalog().SetStatus(ctx, id, catalog.StatusActive, catalog.StatusSoldLocked)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Catalog().SetStatus(ctx, id, catalog.StatusActive, catalog.StatusSoldLocked)
	require.NoError(t, err)
	assert.False(t, ok, "status already moved")

	_, err = store.Catalog().SetStatus(ctx, "missing", catalog.StatusActive, catalog.StatusDeleted)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, c.Withdraw(ctx, id, "seller"))
	active, err := c.ListActive(ctx, catalog.CategoryAll)
	require.NoError(t, err)
	assert.Empty(t, active)
}

// =============================================================================
// END TO END
// =============================================================================

func TestEngine_PurchaseOnSQLite(t *testing.T) {
	// GIVEN: A funded buyer and a listed product on a SQLite store
	// WHEN: The buyer purchases it
	// THEN: The three balances move, the sale and its delivery are persisted

	e, c, l := newTestEngine(t, market.InventoryReusable)
	ctx := context.Background()
	_, err := e.Deposit(ctx, "buyer", ledger.MustParseAmount("101"), "dep-1")
	require.NoError(t, err)
	productID := listProduct(t, c, "seller", "100")

	receipt, err := e.Purchase(ctx, market.PurchaseRequest{ProductID: productID, BuyerID: "buyer", ReferrerID: "aff"})
	require.NoError(t, err)
	assert.True(t, receipt.Delivered())

	assert.Equal(t, "0.00", balanceOf(t, e, "buyer"))
	assert.Equal(t, "99.00", balanceOf(t, e, "seller"))
	assert.Equal(t, "2.00", balanceOf(t, e, "platform"))

	sale, attempts, err := e.Sale(ctx, receipt.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("aff"), sale.ReferrerID)
	assert.Equal(t, "101.00", sale.Gross.String())
	require.Len(t, attempts, 1)
	assert.Equal(t, market.DeliveryDelivered, attempts[0].Status)

	sales, err := e.Sales(ctx, market.SaleFilter{SellerID: "seller"})
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sales)
	assert.Equal(t, "2.00", st.PlatformFees.String())

	pending, err := e.UndeliveredSales(ctx, -time.Hour, 5)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, l.Verify(ctx))
}

func TestEngine_DepositAboveMaxAmountOnSQLite(t *testing.T) {
	// GIVEN: An empty SQLite-backed engine
	// WHEN: A deposit one cent above MaxAmount arrives, then one of exactly MaxAmount
	// THEN: The first is rejected with no balance change; the second round-trips exactly

	e, _, l := newTestEngine(t, market.InventoryReusable)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", ledger.MustParseAmount("92233720368547758.08"), "big")
	require.ErrorIs(t, err, market.ErrInvalidAmount)
	assert.Equal(t, "0.00", balanceOf(t, e, "alice"))
	assert.Equal(t, "0.00", balanceOf(t, e, "treasury"))

	_, err = e.Deposit(ctx, "alice", ledger.MaxAmount, "max")
	require.NoError(t, err)
	assert.Equal(t, "92233720368547758.07", balanceOf(t, e, "alice"))
	assert.Equal(t, "-92233720368547758.07", balanceOf(t, e, "treasury"))

	_, err = e.Deposit(ctx, "alice", ledger.MustParseAmount("0.01"), "one-more")
	require.ErrorIs(t, err, market.ErrInvalidAmount)
	assert.Equal(t, "92233720368547758.07", balanceOf(t, e, "alice"))
	require.NoError(t, l.Verify(ctx))
}

func TestEngine_InsufficientFundsOnSQLite(t *testing.T) {
	e, c, _ := newTestEngine(t, market.InventorySingleUnit)
	ctx := context.Background()
	_, err := e.Deposit(ctx, "buyer", ledger.MustParseAmount("5"), "")
	require.NoError(t, err)
	productID := listProduct(t, c, "seller", "10")

	_, err = e.Purchase(ctx, market.PurchaseRequest{ProductID: productID, BuyerID: "buyer"})
	require.ErrorIs(t, err, market.ErrInsufficientFunds)

	p, err := c.Get(ctx, productID)
	require.NoError(t, err)
	assert.True(t, p.IsActive())
	assert.Equal(t, "5.00", balanceOf(t, e, "buyer"))
}

func TestEngine_ConcurrentSingleUnitOnSQLite(t *testing.T) {
	e, c, l := newTestEngine(t, market.InventorySingleUnit)
	ctx := context.Background()
	productID := listProduct(t, c, "seller", "10")

	buyers := []ledger.AccountID{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	for _, b := range buyers {
		_, err := e.Deposit(ctx, b, ledger.MustParseAmount("50"), "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, b := range buyers {
		wg.Add(1)
		go func(b ledger.AccountID) {
			defer wg.Done()
			_, err := e.Purchase(ctx, market.PurchaseRequest{ProductID: productID, BuyerID: b})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, market.ErrProductUnavailable)
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, "9.90", balanceOf(t, e, "seller"))
	require.NoError(t, l.Verify(ctx))
}
