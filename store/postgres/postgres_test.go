package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
	"github.com/warp/market-engine/store/postgres"
)

// These tests need a live database:
//
//	MARKET_TEST_POSTGRES_URL=postgres://localhost:5432/market_test go test ./store/postgres/
func newTestStore(t *testing.T) *postgres.Store {
	url := os.Getenv("MARKET_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MARKET_TEST_POSTGRES_URL not set")
	}
	store, err := postgres.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// uniq keeps runs against a shared database independent.
func uniq(prefix string) ledger.AccountID {
	return ledger.AccountID(prefix + "-" + uuid.NewString()[:8])
}

func TestPostgres_ConcurrentPurchases(t *testing.T) {
	// GIVEN: A buyer who can afford 2 purchases and a reusable product
	// WHEN: 6 purchases run concurrently across pooled connections
	// THEN: Exactly 2 succeed and balances stay consistent

	store := newTestStore(t)
	ctx := context.Background()

	cfg := market.DefaultConfig()
	cfg.TreasuryAccount = uniq("treasury")
	cfg.PlatformAccount = uniq("platform")
	l := ledger.New(store, ledger.WithOverdraftAccount(cfg.TreasuryAccount))
	engine := market.NewEngine(store, l, cfg)
	cat := catalog.New(store.Catalog())

	buyer, seller := uniq("buyer"), uniq("seller")
	_, err := engine.Deposit(ctx, buyer, ledger.MustParseAmount("20.20"), string(buyer))
	require.NoError(t, err)
	again, err := engine.Deposit(ctx, buyer, ledger.MustParseAmount("20.20"), string(buyer))
	require.NoError(t, err)
	assert.NotEmpty(t, again)

	productID, err := cat.Create(ctx, catalog.Draft{
		OwnerID: seller, Name: "Sample pack", Price: ledger.MustParseAmount("10"),
		Currency: ledger.Credit, PayloadRef: "file-1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Purchase(ctx, market.PurchaseRequest{ProductID: productID, BuyerID: buyer})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, market.ErrInsufficientFunds)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, wins)

	bal, err := engine.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "0.00", bal.String())

	bal, err = engine.Balance(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, "19.80", bal.String())

	sales, err := engine.Sales(ctx, market.SaleFilter{BuyerID: buyer})
	require.NoError(t, err)
	assert.Len(t, sales, 2)
}

func TestPostgres_ClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cat := catalog.New(store.Catalog())

	id, err := cat.Create(ctx, catalog.Draft{
		OwnerID: uniq("seller"), Name: "One of a kind", Price: ledger.MustParseAmount("3"),
		Currency: ledger.Credit, PayloadRef: "file-2",
	})
	require.NoError(t, err)

	require.NoError(t, cat.MarkSold(ctx, id))
	var statusErr *catalog.StatusError
	assert.ErrorAs(t, cat.MarkSold(ctx, id), &statusErr)
}

func TestPostgres_ConcurrentCrossPurchases(t *testing.T) {
	// GIVEN: Two sellers who each buy the other's product
	// WHEN: Both directions run concurrently across pooled connections
	// THEN: No purchase fails on a deadlock and the totals balance

	store := newTestStore(t)
	ctx := context.Background()

	cfg := market.DefaultConfig()
	cfg.TreasuryAccount = uniq("treasury")
	cfg.PlatformAccount = uniq("platform")
	l := ledger.New(store, ledger.WithOverdraftAccount(cfg.TreasuryAccount))
	engine := market.NewEngine(store, l, cfg)
	cat := catalog.New(store.Catalog())

	alice, bob := uniq("alice"), uniq("bob")
	products := make(map[ledger.AccountID]catalog.ProductID)
	for _, owner := range []ledger.AccountID{alice, bob} {
		_, err := engine.Deposit(ctx, owner, ledger.MustParseAmount("100.00"), "")
		require.NoError(t, err)
		products[owner], err = cat.Create(ctx, catalog.Draft{
			OwnerID: owner, Name: "Loop", Price: ledger.MustParseAmount("1.00"),
			Currency: ledger.Credit, PayloadRef: "file-3",
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := engine.Purchase(ctx, market.PurchaseRequest{ProductID: products[bob], BuyerID: alice})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := engine.Purchase(ctx, market.PurchaseRequest{ProductID: products[alice], BuyerID: bob})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []ledger.AccountID{alice, bob} {
		bal, err := engine.Balance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "99.60", bal.String())
	}
	bal, err := engine.Balance(ctx, cfg.PlatformAccount)
	require.NoError(t, err)
	assert.Equal(t, "0.80", bal.String())
}

func TestPostgres_AmountRange(t *testing.T) {
	// GIVEN: A transfer one cent above the BIGINT cents range
	// WHEN: It is appended directly
	// THEN: It is refused and nothing is written; MaxAmount itself round-trips

	store := newTestStore(t)
	ctx := context.Background()
	treasury, alice := uniq("treasury"), uniq("alice")
	ref := "deposit:" + string(alice)

	err := store.Append(ctx, ledger.Transfer{ID: ledger.TransferID(uuid.NewString()), From: treasury, Reference: ref,
		CreatedAt: time.Now(), Legs: []ledger.Leg{{To: alice, Amount: ledger.MustParseAmount("92233720368547758.08")}}})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	got, err := store.TransferByReference(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Append(ctx, ledger.Transfer{ID: ledger.TransferID(uuid.NewString()), From: treasury,
		CreatedAt: time.Now(), Legs: []ledger.Leg{{To: alice, Amount: ledger.MaxAmount}}}))
	bal, err := store.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "92233720368547758.07", bal.String())
}
