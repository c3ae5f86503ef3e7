/*
handlers.go - HTTP API handlers for the marketplace

PURPOSE:
  Exposes the catalog, the transaction engine and the quote providers via
  REST. Handles request parsing, identity, JSON serialization, and maps
  domain errors to HTTP status codes. No business rule lives here.

ENDPOINTS:
  Products:
    GET    /api/categories
    GET    /api/products?category=          List active products
    POST   /api/products                    List a product for sale
    GET    /api/products/mine               Caller's products, any status
    GET    /api/products/{id}               Product with purchase breakdown
    DELETE /api/products/{id}               Withdraw (owner only)
    POST   /api/products/{id}/purchase      Buy (Idempotency-Key honoured)

  Account (the caller's):
    GET    /api/me/balance
    GET    /api/me/entries?limit=
    GET    /api/me/sales?role=buyer|seller&limit=
    POST   /api/me/deposits                 Simulated external deposit
    POST   /api/me/payouts                  Withdrawal to an external wallet

  Sales:
    GET    /api/sales/{id}                  Buyer, seller or admin only

  Quotes:
    GET    /api/quotes/{base}/{quote}       External price, display only

  Admin:
    GET    /api/admin/stats
    POST   /api/admin/verify                Replay the ledger
    GET    /api/admin/sales/undelivered
    POST   /api/admin/sales/{id}/redeliver
    POST   /api/admin/accounts/{id}/deposits

ERROR HANDLING:
  - 400: Validation errors
  - 401/403: Identity missing or insufficient role
  - 402: Insufficient funds
  - 404: Unknown product or sale
  - 409: Product unavailable, already delivered, concurrent change
  - 502: Delivery gateway still failing
  - 503: Ledger halted, quote unavailable
  - 500: Storage failures

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
	"github.com/warp/market-engine/quote"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *market.Engine
	Catalog *catalog.Catalog
	Ledger  *ledger.Ledger
	Quotes  *quote.Router
	Logger  *slog.Logger

	// RedeliveryMaxAttempts bounds the undelivered listing.
	RedeliveryMaxAttempts int
}

func NewHandler(engine *market.Engine, cat *catalog.Catalog, l *ledger.Ledger, quotes *quote.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:                engine,
		Catalog:               cat,
		Ledger:                l,
		Quotes:                quotes,
		Logger:                logger,
		RedeliveryMaxAttempts: 5,
	}
}

func caller(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns active products, optionally filtered by category.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	category, err := catalog.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	products, err := h.Catalog.ListActive(r.Context(), category)
	if err != nil {
		h.writeDomainError(w, "Failed to list products", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTOs(products, caller(r).Account))
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Categories())
}

// ListMyProducts returns every product the caller listed, including withdrawn ones.
func (h *Handler) ListMyProducts(w http.ResponseWriter, r *http.Request) {
	me := caller(r).Account
	products, err := h.Catalog.ListByOwner(r.Context(), me)
	if err != nil {
		h.writeDomainError(w, "Failed to list products", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTOs(products, me))
}

// CreateProduct lists a new product owned by the caller.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	category, err := catalog.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}
	currency := ledger.Currency(req.Currency)
	if currency == "" {
		currency = h.Engine.Config().Currency
	}

	me := caller(r).Account
	id, err := h.Catalog.Create(r.Context(), catalog.Draft{
		OwnerID:     me,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Currency:    currency,
		PayloadRef:  req.PayloadRef,
		Category:    category,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create product", err)
		return
	}

	product, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to load product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(*product, me))
}

// GetProduct returns a product with the breakdown the buyer would pay.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := catalog.ProductID(chi.URLParam(r, "id"))

	product, q, err := h.Engine.Quote(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, ProductDetailResponse{
		Product: toProductDTO(*product, caller(r).Account),
		Quote:   q,
	})
}

// WithdrawProduct removes the caller's product from sale.
func (h *Handler) WithdrawProduct(w http.ResponseWriter, r *http.Request) {
	id := catalog.ProductID(chi.URLParam(r, "id"))
	if err := h.Catalog.Withdraw(r.Context(), id, caller(r).Account); err != nil {
		h.writeDomainError(w, "Failed to withdraw product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PURCHASE
// =============================================================================

// PurchaseProduct buys a product for the caller.
//
// 201 means the money moved; the receipt's outcome says whether the file
// was delivered. Any error status means nothing changed.
func (h *Handler) PurchaseProduct(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	receipt, err := h.Engine.Purchase(r.Context(), market.PurchaseRequest{
		ProductID:  catalog.ProductID(chi.URLParam(r, "id")),
		BuyerID:    caller(r).Account,
		ReferrerID: ledger.AccountID(req.ReferrerID),
	})
	if err != nil {
		h.writeDomainError(w, "Purchase failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, ReceiptDTO{
		Sale:     toSaleDTO(receipt.Sale),
		Quote:    receipt.Quote,
		Delivery: toAttemptDTO(receipt.Delivery),
		Outcome:  string(receipt.Outcome()),
	})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	me := caller(r).Account
	bal, err := h.Engine.Balance(r.Context(), me)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Account:  string(me),
		Balance:  bal,
		Currency: string(h.Engine.Config().Currency),
	})
}

// GetEntries returns the caller's ledger history, newest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	entries, err := h.Engine.Entries(r.Context(), caller(r).Account, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMySales lists purchases (role=buyer, default) or sales (role=seller).
func (h *Handler) GetMySales(w http.ResponseWriter, r *http.Request) {
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	me := caller(r).Account
	filter := market.SaleFilter{Limit: limit}
	switch role := r.URL.Query().Get("role"); role {
	case "", "buyer":
		filter.BuyerID = me
	case "seller":
		filter.SellerID = me
	default:
		writeError(w, http.StatusBadRequest, "role must be buyer or seller", nil)
		return
	}

	sales, err := h.Engine.Sales(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list sales", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTOs(sales))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, caller(r).Account, h.Engine.Deposit)
}

func (h *Handler) Payout(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, caller(r).Account, h.Engine.Payout)
}

// AdminDeposit credits any account.
func (h *Handler) AdminDeposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, ledger.AccountID(chi.URLParam(r, "id")), h.Engine.Deposit)
}

type fundsFunc func(ctx context.Context, account ledger.AccountID, amount ledger.Amount, reference string) (ledger.TransferID, error)

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, account ledger.AccountID, move fundsFunc) {
	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := move(r.Context(), account, req.Amount, req.Reference)
	if err != nil {
		h.writeDomainError(w, "Transfer failed", err)
		return
	}
	bal, err := h.Engine.Balance(r.Context(), account)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, FundsResponse{TransferID: string(id), Balance: bal})
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// GetSale returns one sale with its delivery log. Only the parties and
// admins may see it.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, attempts, err := h.Engine.Sale(r.Context(), market.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get sale", err)
		return
	}

	who := caller(r)
	if !who.IsAdmin() && who.Account != sale.BuyerID && who.Account != sale.SellerID {
		writeError(w, http.StatusNotFound, "Sale not found", nil)
		return
	}

	status, _ := market.DeliveryState(attempts)
	resp := SaleDetailResponse{
		Sale:           toSaleDTO(*sale),
		DeliveryStatus: string(status),
		Attempts:       make([]DeliveryAttemptDTO, len(attempts)),
	}
	resp.Sale.Outcome = string(market.EffectiveOutcome(*sale, attempts))
	for i, a := range attempts {
		resp.Attempts[i] = toAttemptDTO(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// QUOTES
// =============================================================================

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	pair, err := quote.ParsePair(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid currency pair", err)
		return
	}

	res, err := h.Quotes.Resolve(r.Context(), pair)
	if errors.Is(err, quote.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "Quote unavailable", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "Quote provider failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{
		Accounts:       st.Accounts,
		Products:       st.Products,
		ActiveProducts: st.ActiveProducts,
		Sales:          st.Sales,
		Volume:         st.Volume,
		PlatformFees:   st.PlatformFees,
		Halted:         h.Engine.Halted() != nil,
	})
}

// VerifyLedger replays all entries against materialized balances. A
// mismatch halts financial mutations.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Verify(r.Context()); err != nil {
		h.Logger.Error("ledger verification failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, VerifyResponse{Consistent: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Consistent: true})
}

func (h *Handler) ListUndelivered(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Engine.UndeliveredSales(r.Context(), 0, h.RedeliveryMaxAttempts)
	if err != nil {
		h.writeDomainError(w, "Failed to list undelivered sales", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTOs(sales))
}

func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.Engine.Redeliver(r.Context(), market.SaleID(chi.URLParam(r, "id")))
	if errors.Is(err, market.ErrDeliveryFailed) {
		writeJSON(w, http.StatusBadGateway, toAttemptDTO(attempt))
		return
	}
	if err != nil {
		h.writeDomainError(w, "Redelivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptDTO(attempt))
}

// Health reports liveness and whether the ledger is halted.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Halted(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrHalted):
		return http.StatusServiceUnavailable
	case market.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, catalog.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, market.ErrProductUnavailable),
		errors.Is(err, market.ErrAlreadyDelivered),
		errors.Is(err, catalog.ErrAlreadyDeleted),
		errors.Is(err, catalog.ErrStatusConflict):
		return http.StatusConflict
	case market.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.Logger.Error(message, "error", err)
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	if o := market.OutcomeOf(err); o != "" {
		resp.Outcome = string(o)
	}
	writeJSON(w, status, resp)
}

func pageSize(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxPageSize), nil
}

func toSaleDTOs(sales []market.Sale) []SaleDTO {
	dtos := make([]SaleDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toSaleDTO(s)
	}
	return dtos
}
