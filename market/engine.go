package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// InventoryPolicy decides whether a listing can be bought more than once.
type InventoryPolicy string

const (
	// InventoryReusable keeps a product active after a sale; any number of
	// buyers may purchase the same file.
	InventoryReusable InventoryPolicy = "reusable"

	// InventorySingleUnit claims the product (active -> sold_locked) in the
	// purchase scope, so exactly one concurrent purchase wins.
	InventorySingleUnit InventoryPolicy = "single_unit"
)

func ParseInventoryPolicy(s string) (InventoryPolicy, error) {
	switch InventoryPolicy(strings.ToLower(s)) {
	case InventoryReusable, "":
		return InventoryReusable, nil
	case InventorySingleUnit:
		return InventorySingleUnit, nil
	}
	return "", fmt.Errorf("unknown inventory policy %q", s)
}

type Config struct {
	Currency        ledger.Currency
	FeeRate         decimal.Decimal
	PlatformAccount ledger.AccountID
	TreasuryAccount ledger.AccountID
	Inventory       InventoryPolicy
}

func DefaultConfig() Config {
	return Config{
		Currency:        ledger.Credit,
		FeeRate:         DefaultFeeRate,
		PlatformAccount: "platform",
		TreasuryAccount: "treasury",
		Inventory:       InventoryReusable,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  Store
	ledger *ledger.Ledger
	cfg    Config
	fees   FeeSchedule

	gateway    Gateway
	notifier   Notifier
	affiliates AffiliateLog
	logger     *slog.Logger
	now        func() time.Time

	redeliverMu sync.Mutex
}

type Option func(*Engine)

func WithGateway(g Gateway) Option           { return func(e *Engine) { e.gateway = g } }
func WithNotifier(n Notifier) Option         { return func(e *Engine) { e.notifier = n } }
func WithAffiliateLog(a AffiliateLog) Option { return func(e *Engine) { e.affiliates = a } }
func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }

// NewEngine wires the engine. The ledger must allow cfg.TreasuryAccount to
// overdraw, otherwise deposits fail with ErrInsufficientFunds.
func NewEngine(store Store, l *ledger.Ledger, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		ledger:     l,
		cfg:        cfg,
		fees:       NewFeeSchedule(cfg.FeeRate),
		notifier:   nopNotifier{},
		affiliates: nopAffiliates{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gateway == nil {
		e.gateway = nopGateway{logger: e.logger}
	}
	return e
}

func (e *Engine) Config() Config    { return e.cfg }
func (e *Engine) Fees() FeeSchedule { return e.fees }

// Halted returns nil while financial mutations are accepted.
func (e *Engine) Halted() error { return e.ledger.Halted() }

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase runs the purchase state machine for one request.
//
// A nil error means the funds moved and the sale is recorded; check
// Receipt.Delivered for the delivery outcome. A non-nil error means nothing
// changed anywhere.
//
// Once the scope commits the result is authoritative: caller cancellation
// after that point does not stop delivery or the attempt record.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (*Receipt, error) {
	if err := e.ledger.Halted(); err != nil {
		return nil, err
	}
	if req.BuyerID == "" {
		return nil, ledger.ErrInvalidAccount
	}

	// Lookup & validation, outside the scope: these exits are cheap and
	// need no lock.
	product, err := e.store.Catalog().Product(ctx, req.ProductID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrProductUnavailable
	}
	if err != nil {
		return nil, e.classify(err)
	}
	if err := e.validate(product, req.BuyerID); err != nil {
		return nil, err
	}

	quote := e.fees.Quote(product.Price)
	if !quote.Gross.InRange() {
		return nil, fmt.Errorf("%w: gross %s exceeds %s", ErrInvalidAmount, quote.Gross.Value, ledger.MaxAmount)
	}
	sale := Sale{
		ID:          SaleID(uuid.NewString()),
		ProductID:   product.ID,
		ProductName: product.Name,
		BuyerID:     req.BuyerID,
		SellerID:    product.OwnerID,
		ReferrerID:  req.ReferrerID,
		Price:       quote.Price,
		Gross:       quote.Gross,
		Fee:         quote.Fee,
		Net:         quote.Net,
		Currency:    product.Currency,
		PayloadRef:  product.PayloadRef,
		Outcome:     OutcomeCompleted,
		CreatedAt:   e.now().UTC(),
	}

	// Every account the transfer credits is locked too, so two purchases
	// crossing the same pair of accounts lock them in one sorted order.
	lock := e.purchaseTransfer(sale).Accounts()
	err = e.store.Atomic(ctx, lock, func(s Scope) error {
		return e.commit(ctx, s, &sale)
	})
	if err != nil {
		return nil, e.classify(err)
	}

	e.logger.Info("sale committed",
		"sale_id", sale.ID, "product_id", sale.ProductID,
		"buyer", sale.BuyerID, "seller", sale.SellerID,
		"gross", sale.Gross.String(), "fee", sale.Fee.String())

	attempt := e.deliver(context.WithoutCancel(ctx), sale, 1)
	return &Receipt{Sale: sale, Quote: quote, Delivery: attempt}, nil
}

// commit is the body of the purchase scope. Order matters: the funds check
// runs before the single-unit claim so a buyer who cannot pay never holds
// the claim, even transiently.
func (e *Engine) commit(ctx context.Context, s Scope, sale *Sale) error {
	current, err := s.Catalog().Product(ctx, sale.ProductID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrProductUnavailable
	}
	if err != nil {
		return err
	}
	if !current.IsActive() || !current.Price.Equal(sale.Price) {
		return ErrProductUnavailable
	}

	if err := e.ledger.CheckFunds(ctx, s.Ledger(), sale.BuyerID, sale.Gross); err != nil {
		return err
	}

	if e.cfg.Inventory == InventorySingleUnit {
		if err := catalog.Claim(ctx, s.Catalog(), sale.ProductID); err != nil {
			if errors.Is(err, catalog.ErrStatusConflict) {
				return ErrProductUnavailable
			}
			return err
		}
	}
	if err := s.Catalog().IncrementSold(ctx, sale.ProductID); err != nil {
		return err
	}

	t, err := e.ledger.Post(ctx, s.Ledger(), e.purchaseTransfer(*sale))
	if err != nil {
		return err
	}
	sale.TransferID = t.ID

	return s.Sales().AppendSale(ctx, *sale)
}

func (e *Engine) purchaseTransfer(sale Sale) ledger.Transfer {
	return ledger.Transfer{
		From:      sale.BuyerID,
		Legs:      e.purchaseLegs(sale),
		Reason:    "purchase",
		Reference: "sale:" + string(sale.ID),
		CreatedAt: sale.CreatedAt,
	}
}

// purchaseLegs skips zero legs: tiny prices round the fee down to 0.00.
func (e *Engine) purchaseLegs(sale Sale) []ledger.Leg {
	var legs []ledger.Leg
	if sale.Net.IsPositive() {
		legs = append(legs, ledger.Leg{To: sale.SellerID, Amount: sale.Net})
	}
	if sale.Fee.IsPositive() {
		legs = append(legs, ledger.Leg{To: e.cfg.PlatformAccount, Amount: sale.Fee})
	}
	return legs
}

func (e *Engine) validate(p *catalog.Product, buyer ledger.AccountID) error {
	if !p.IsActive() {
		return ErrProductUnavailable
	}
	if p.OwnerID == buyer {
		return ErrSelfPurchase
	}
	if p.Currency != e.cfg.Currency {
		return fmt.Errorf("%w: product %s priced in %s", ErrCurrencyMismatch, p.ID, p.Currency)
	}
	return nil
}

// Quote previews what a purchase of id would cost, without side effects.
func (e *Engine) Quote(ctx context.Context, id catalog.ProductID) (*catalog.Product, PriceQuote, error) {
	p, err := e.store.Catalog().Product(ctx, id)
	if err != nil {
		return nil, PriceQuote{}, err
	}
	return p, e.fees.Quote(p.Price), nil
}

// =============================================================================
// DELIVERY
// =============================================================================

func (e *Engine) deliver(ctx context.Context, sale Sale, attempt int) DeliveryAttempt {
	caption := fmt.Sprintf("Your purchase: %s", sale.ProductName)
	err := e.gateway.Deliver(ctx, sale.PayloadRef, sale.BuyerID, caption)

	a := DeliveryAttempt{
		SaleID:  sale.ID,
		Attempt: attempt,
		Status:  DeliveryDelivered,
		At:      e.now().UTC(),
	}
	if err != nil {
		a.Status = DeliveryFailed
		a.Reason = err.Error()
		e.logger.Warn("delivery failed", "sale_id", sale.ID, "attempt", attempt, "error", err)
	}

	if err := e.store.Sales().AppendDeliveryAttempt(ctx, a); err != nil {
		e.logger.Error("failed to record delivery attempt", "sale_id", sale.ID, "attempt", attempt, "error", err)
	}

	if a.Status == DeliveryDelivered {
		e.afterDelivery(ctx, sale)
	} else {
		e.notify(ctx, sale.BuyerID, fmt.Sprintf(
			"You bought '%s', but the file could not be delivered. It will be sent again.", sale.ProductName))
	}
	return a
}

// afterDelivery runs the best-effort hooks of a delivered sale.
func (e *Engine) afterDelivery(ctx context.Context, sale Sale) {
	e.notify(ctx, sale.SellerID, fmt.Sprintf(
		"Your product '%s' was sold! You received %s %s.", sale.ProductName, sale.Net, sale.Currency))

	if sale.ReferrerID == "" {
		return
	}
	if err := e.affiliates.LogSale(ctx, sale.ReferrerID, sale.ProductName, sale.Price); err != nil {
		e.logger.Warn("affiliate log failed", "sale_id", sale.ID, "referrer", sale.ReferrerID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, account ledger.AccountID, message string) {
	if err := e.notifier.Notify(ctx, account, message); err != nil {
		e.logger.Warn("notification failed", "account", account, "error", err)
	}
}

// Redeliver retries delivery of a sale whose latest attempt failed. It is
// the recovery path for DeliveryFailed; the funds are never touched.
func (e *Engine) Redeliver(ctx context.Context, id SaleID) (DeliveryAttempt, error) {
	e.redeliverMu.Lock()
	defer e.redeliverMu.Unlock()

	sale, err := e.store.Sales().Sale(ctx, id)
	if err != nil {
		return DeliveryAttempt{}, err
	}
	attempts, err := e.store.Sales().DeliveryAttempts(ctx, id)
	if err != nil {
		return DeliveryAttempt{}, e.classify(err)
	}
	status, n := DeliveryState(attempts)
	if status == DeliveryDelivered {
		return DeliveryAttempt{}, ErrAlreadyDelivered
	}

	a := e.deliver(ctx, *sale, n+1)
	if a.Status != DeliveryDelivered {
		return a, fmt.Errorf("%w: %s", ErrDeliveryFailed, a.Reason)
	}
	return a, nil
}

// UndeliveredSales lists sales due for another delivery attempt.
func (e *Engine) UndeliveredSales(ctx context.Context, olderThan time.Duration, maxAttempts int) ([]Sale, error) {
	return e.store.Sales().UndeliveredSales(ctx, e.now().UTC().Add(-olderThan), maxAttempts)
}

// =============================================================================
// FUNDING
// =============================================================================

// Deposit credits account from the treasury. Repeating a reference returns
// the original transfer instead of crediting twice.
func (e *Engine) Deposit(ctx context.Context, account ledger.AccountID, amount ledger.Amount, reference string) (ledger.TransferID, error) {
	return e.fund(ctx, ledger.Transfer{
		From:      e.cfg.TreasuryAccount,
		Legs:      []ledger.Leg{{To: account, Amount: amount}},
		Reason:    "deposit",
		Reference: prefixed("deposit", reference),
	})
}

// Payout debits account back to the treasury (withdrawal to an external wallet).
func (e *Engine) Payout(ctx context.Context, account ledger.AccountID, amount ledger.Amount, reference string) (ledger.TransferID, error) {
	if account == e.cfg.TreasuryAccount {
		return "", ledger.ErrInvalidAccount
	}
	return e.fund(ctx, ledger.Transfer{
		From:      account,
		Legs:      []ledger.Leg{{To: e.cfg.TreasuryAccount, Amount: amount}},
		Reason:    "payout",
		Reference: prefixed("payout", reference),
	})
}

func (e *Engine) fund(ctx context.Context, t ledger.Transfer) (ledger.TransferID, error) {
	posted, err := e.ledger.Submit(ctx, t)
	var dup *ledger.DuplicateTransferError
	if errors.As(err, &dup) {
		return dup.Existing, nil
	}
	if err != nil {
		return "", err
	}
	e.logger.Info("funds moved", "transfer_id", posted.ID, "reason", t.Reason,
		"from", t.From, "amount", t.Total().String())
	return posted.ID, nil
}

func prefixed(kind, reference string) string {
	if reference == "" {
		reference = uuid.NewString()
	}
	return kind + ":" + reference
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Balance(ctx context.Context, id ledger.AccountID) (ledger.Amount, error) {
	return e.ledger.GetBalance(ctx, id)
}

func (e *Engine) Entries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.Entry, error) {
	return e.ledger.Entries(ctx, id, limit)
}

// Sale returns a sale with its delivery log.
func (e *Engine) Sale(ctx context.Context, id SaleID) (*Sale, []DeliveryAttempt, error) {
	sale, err := e.store.Sales().Sale(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := e.store.Sales().DeliveryAttempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sale, attempts, nil
}

func (e *Engine) Sales(ctx context.Context, f SaleFilter) ([]Sale, error) {
	return e.store.Sales().Sales(ctx, f)
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.store.Stats(ctx)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classify keeps caller-facing errors intact and turns everything else into
// ErrStorage. A corruption signal halts the ledger.
func (e *Engine) classify(err error) error {
	switch {
	case IsClientError(err), errors.Is(err, ErrHalted), errors.Is(err, ErrSaleNotFound):
		return err
	case errors.Is(err, ledger.ErrCorrupted):
		e.ledger.Halt(err)
		return err
	case errors.Is(err, ErrStorage):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
