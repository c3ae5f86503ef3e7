/*
handlers_test.go - HTTP tests for the marketplace API

Tests run the full chi router against the in-memory store:
- purchase flow, error mapping and outcomes
- identity (header and JWT) and admin gating
- Idempotency-Key replay
- delivery failure, manual redelivery and the scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
	"github.com/warp/market-engine/quote"
	"github.com/warp/market-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type switchGateway struct {
	mu   sync.Mutex
	fail bool
}

func (g *switchGateway) Deliver(context.Context, string, ledger.AccountID, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("chat front-end unreachable")
	}
	return nil
}

func (g *switchGateway) set(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = fail
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	router  http.Handler
	handler *Handler
	engine  *market.Engine
	gateway *switchGateway
	clock   *testClock
}

func newTestServer(t *testing.T, auth Authenticator) *testServer {
	t.Helper()
	store := memory.New()
	cfg := market.DefaultConfig()
	l := ledger.New(store, ledger.WithOverdraftAccount(cfg.TreasuryAccount))

	gw := &switchGateway{}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := market.NewEngine(store, l, cfg, market.WithGateway(gw), market.WithClock(clock.Now))

	quotes := quote.NewRouter(nil,
		quote.NewCached(quote.SimulatedCrypto(), quote.NewMemoryCache(), time.Minute, nil),
		quote.SimulatedFX(),
	)
	h := NewHandler(engine, catalog.New(store.Catalog()), l, quotes, nil)
	return &testServer{
		router:  NewRouter(h, RouterConfig{Auth: auth}),
		handler: h,
		engine:  engine,
		gateway: gw,
		clock:   clock,
	}
}

type call struct {
	method  string
	path    string
	user    string
	role    string
	body    any
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(HeaderUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(HeaderUserRole, c.role)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) deposit(t *testing.T, user, amount string) {
	t.Helper()
	rec := s.do(t, call{method: "POST", path: "/api/me/deposits", user: user,
		body: FundsRequest{Amount: ledger.MustParseAmount(amount)}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) listProduct(t *testing.T, seller, price string) string {
	t.Helper()
	rec := s.do(t, call{method: "POST", path: "/api/products", user: seller, body: CreateProductRequest{
		Name:       "Synth presets",
		Price:      ledger.MustParseAmount(price),
		PayloadRef: "file-presets",
		Category:   "music",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ProductDTO](t, rec).ID
}

func (s *testServer) balance(t *testing.T, user string) string {
	t.Helper()
	rec := s.do(t, call{method: "GET", path: "/api/me/balance", user: user})
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[BalanceDTO](t, rec).Balance.String()
}

// =============================================================================
// PURCHASE FLOW
// =============================================================================

func TestPurchase_EndToEnd(t *testing.T) {
	// GIVEN: A seller's product priced 100 and a buyer holding 101
	// WHEN: The buyer views and then purchases it
	// THEN: The quote matches the debit, balances move, the sale is visible
	//       to both parties and hidden from everyone else

	s := newTestServer(t, nil)
	s.deposit(t, "buyer", "101")
	id := s.listProduct(t, "seller", "100")

	rec := s.do(t, call{method: "GET", path: "/api/products/" + id, user: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[ProductDetailResponse](t, rec)
	assert.Equal(t, "101.00", detail.Quote.Gross.String())
	assert.Equal(t, "Music", detail.Product.Category)
	assert.Empty(t, detail.Product.PayloadRef, "payload reference is hidden from non-owners")

	rec = s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer",
		body: PurchaseRequest{ReferrerID: "affiliate-7"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decode[ReceiptDTO](t, rec)
	assert.Equal(t, string(market.OutcomeCompleted), receipt.Outcome)
	assert.Equal(t, "99.00", receipt.Sale.Net.String())
	assert.Equal(t, "2.00", receipt.Sale.Fee.String())

	assert.Equal(t, "0.00", s.balance(t, "buyer"))
	assert.Equal(t, "99.00", s.balance(t, "seller"))

	rec = s.do(t, call{method: "GET", path: "/api/me/sales?role=seller", user: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SaleDTO](t, rec), 1)

	rec = s.do(t, call{method: "GET", path: "/api/sales/" + receipt.Sale.ID, user: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(market.DeliveryDelivered), decode[SaleDetailResponse](t, rec).DeliveryStatus)

	rec = s.do(t, call{method: "GET", path: "/api/sales/" + receipt.Sale.ID, user: "stranger"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/me/entries?limit=1", user: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "-101.00", entries[0].Delta.String())
}

func TestPurchase_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	s.deposit(t, "poor", "5")
	id := s.listProduct(t, "seller", "10")

	tests := []struct {
		name    string
		user    string
		path    string
		status  int
		outcome market.Outcome
	}{
		{"insufficient funds", "poor", "/api/products/" + id + "/purchase", http.StatusPaymentRequired, market.OutcomeInsufficientFunds},
		{"self purchase", "seller", "/api/products/" + id + "/purchase", http.StatusBadRequest, market.OutcomeSelfPurchase},
		{"unknown product", "poor", "/api/products/missing/purchase", http.StatusConflict, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, call{method: "POST", path: tt.path, user: tt.user})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.outcome), decode[ErrorResponse](t, rec).Outcome)
		})
	}

	assert.Equal(t, "5.00", s.balance(t, "poor"), "failed purchases move nothing")
}

func TestWithdrawProduct(t *testing.T) {
	s := newTestServer(t, nil)
	s.deposit(t, "buyer", "50")
	id := s.listProduct(t, "seller", "10")

	rec := s.do(t, call{method: "DELETE", path: "/api/products/" + id, user: "buyer"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, call{method: "DELETE", path: "/api/products/" + id, user: "seller"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, call{method: "DELETE", path: "/api/products/" + id, user: "seller"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/products", user: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]ProductDTO](t, rec))

	rec = s.do(t, call{method: "GET", path: "/api/products/mine", user: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[[]ProductDTO](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, string(catalog.StatusDeleted), mine[0].Status)
}

func TestPayout(t *testing.T) {
	s := newTestServer(t, nil)
	s.deposit(t, "alice", "20")

	rec := s.do(t, call{method: "POST", path: "/api/me/payouts", user: "alice",
		body: FundsRequest{Amount: ledger.MustParseAmount("25")}})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = s.do(t, call{method: "POST", path: "/api/me/payouts", user: "alice",
		body: FundsRequest{Amount: ledger.MustParseAmount("15"), Reference: "wallet-1"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "5.00", decode[FundsResponse](t, rec).Balance.String())

	rec = s.do(t, call{method: "POST", path: "/api/me/payouts", user: "alice",
		body: FundsRequest{Amount: ledger.MustParseAmount("-1")}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestAuth_HeaderMode(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: "GET", path: "/api/me/balance"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/admin/stats", user: "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/admin/stats", user: "ops", role: RoleAdmin})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_JWTMode(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	s := newTestServer(t, auth)

	token, err := auth.Issue("alice", "", time.Hour)
	require.NoError(t, err)
	rec := s.do(t, call{method: "GET", path: "/api/me/balance",
		headers: map[string]string{"Authorization": "Bearer " + token}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[BalanceDTO](t, rec).Account)

	// the trusted header is ignored once tokens are required
	rec = s.do(t, call{method: "GET", path: "/api/me/balance", user: "alice"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := NewJWTAuth("other-secret").Issue("alice", RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec = s.do(t, call{method: "GET", path: "/api/admin/stats",
		headers: map[string]string{"Authorization": "Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := auth.Issue("alice", "", -time.Minute)
	require.NoError(t, err)
	rec = s.do(t, call{method: "GET", path: "/api/me/balance",
		headers: map[string]string{"Authorization": "Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin, err := auth.Issue("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec = s.do(t, call{method: "GET", path: "/api/admin/stats",
		headers: map[string]string{"Authorization": "Bearer " + admin}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestPurchase_IdempotencyKeyReplaysFirstResponse(t *testing.T) {
	// GIVEN: A buyer who can afford three purchases
	// WHEN: The same purchase is sent twice with one Idempotency-Key
	// THEN: Only one sale happens and the retry receives the same receipt

	s := newTestServer(t, nil)
	s.deposit(t, "buyer", "30.30")
	id := s.listProduct(t, "seller", "10")

	key := map[string]string{HeaderIdempotencyKey: "retry-1"}
	first := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer", headers: key})
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer", headers: key})
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Hit"))
	assert.Equal(t, decode[ReceiptDTO](t, first).Sale.ID, decode[ReceiptDTO](t, second).Sale.ID)

	assert.Equal(t, "20.20", s.balance(t, "buyer"))

	// a different caller with the same key is a different request
	s.deposit(t, "other", "10.10")
	third := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "other", headers: key})
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Empty(t, third.Header().Get("X-Idempotency-Hit"))
}

func TestMemoryIdempotency_InFlightAndExpiry(t *testing.T) {
	store := NewMemoryIdempotency()
	ctx := context.Background()

	stored, started, err := store.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Nil(t, stored)

	stored, started, err = store.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, started, "duplicate while in flight")
	assert.Nil(t, stored)

	require.NoError(t, store.Complete(ctx, "k", StoredResponse{Status: 201, Body: []byte(`{}`)}, time.Minute))
	stored, _, err = store.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 201, stored.Status)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, started, err = store.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, started, "expired key is reusable")
}

// =============================================================================
// DELIVERY RECOVERY
// =============================================================================

func TestRedeliver_AdminRetry(t *testing.T) {
	// GIVEN: A purchase whose delivery failed
	// WHEN: An operator retries after the gateway recovers
	// THEN: The sale is delivered once; a second retry conflicts

	s := newTestServer(t, nil)
	s.deposit(t, "buyer", "10.10")
	id := s.listProduct(t, "seller", "10")
	s.gateway.set(true)

	rec := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer"})
	require.Equal(t, http.StatusCreated, rec.Code)
	receipt := decode[ReceiptDTO](t, rec)
	assert.Equal(t, string(market.OutcomeFailedDelivery), receipt.Outcome)
	assert.Equal(t, "0.00", s.balance(t, "buyer"), "funds stay moved")

	admin := func(method, path string) *httptest.ResponseRecorder {
		return s.do(t, call{method: method, path: path, user: "ops", role: RoleAdmin})
	}

	s.clock.Advance(time.Minute)
	rec = admin("GET", "/api/admin/sales/undelivered")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SaleDTO](t, rec), 1)

	rec = admin("POST", "/api/admin/sales/"+receipt.Sale.ID+"/redeliver")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 2, decode[DeliveryAttemptDTO](t, rec).Attempt)

	s.gateway.set(false)
	rec = admin("POST", "/api/admin/sales/"+receipt.Sale.ID+"/redeliver")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(market.DeliveryDelivered), decode[DeliveryAttemptDTO](t, rec).Status)

	rec = admin("POST", "/api/admin/sales/"+receipt.Sale.ID+"/redeliver")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/sales/" + receipt.Sale.ID, user: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[SaleDetailResponse](t, rec)
	assert.Len(t, detail.Attempts, 3)
	assert.Equal(t, string(market.OutcomeCompleted), detail.Sale.Outcome)
}

func TestRedeliveryScheduler_RunNow(t *testing.T) {
	s := newTestServer(t, nil)
	s.deposit(t, "buyer", "20.20")
	id := s.listProduct(t, "seller", "10")
	s.gateway.set(true)

	for i := 0; i < 2; i++ {
		rec := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	sched := NewRedeliveryScheduler(s.engine, nil)
	sched.MinAge = 30 * time.Second
	sched.MaxAttempts = 2
	ctx := context.Background()

	summary := sched.RunNow(ctx)
	assert.Equal(t, 0, summary.Checked, "sales younger than MinAge are left alone")

	s.clock.Advance(time.Minute)
	summary = sched.RunNow(ctx)
	assert.Equal(t, RunSummary{Checked: 2, StillFailed: 2}, summary)

	s.gateway.set(false)
	summary = sched.RunNow(ctx)
	assert.Equal(t, 0, summary.Checked, "max attempts reached")

	sched.MaxAttempts = 3
	summary = sched.RunNow(ctx)
	assert.Equal(t, RunSummary{Checked: 2, Delivered: 2}, summary)
}

// =============================================================================
// QUOTES & ADMIN
// =============================================================================

func TestGetQuote(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: "GET", path: "/api/quotes/btc/usd", user: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[quote.Result](t, rec)
	assert.Equal(t, "BTC/USD", res.Pair)
	assert.Equal(t, "30000.00", res.Price.String())

	rec = s.do(t, call{method: "GET", path: "/api/quotes/USD/EUR", user: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fx-sim", decode[quote.Result](t, rec).Provider)

	rec = s.do(t, call{method: "GET", path: "/api/quotes/BTC/XYZ", user: "alice"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, call{method: "GET", path: "/api/quotes/BTC/BTC", user: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_StatsAndVerify(t *testing.T) {
	s := newTestServer(t, nil)
	admin := call{user: "ops", role: RoleAdmin}

	c := admin
	c.method, c.path, c.body = "POST", "/api/admin/accounts/buyer/deposits", FundsRequest{Amount: ledger.MustParseAmount("101")}
	require.Equal(t, http.StatusCreated, s.do(t, c).Code)

	id := s.listProduct(t, "seller", "100")
	rec := s.do(t, call{method: "POST", path: "/api/products/" + id + "/purchase", user: "buyer"})
	require.Equal(t, http.StatusCreated, rec.Code)

	c = admin
	c.method, c.path = "GET", "/api/admin/stats"
	rec = s.do(t, c)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StatsDTO](t, rec)
	assert.Equal(t, 1, st.Sales)
	assert.Equal(t, 1, st.ActiveProducts)
	assert.Equal(t, "2.00", st.PlatformFees.String())
	assert.False(t, st.Halted)

	c.method, c.path = "POST", "/api/admin/verify"
	rec = s.do(t, c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).Consistent)
}
