/*
Package market is the transaction engine of the marketplace.

PURPOSE:
  Decides whether a purchase may proceed, moves credit between buyer,
  seller and platform in one atomic scope, records the sale, and then
  hands the file to the delivery gateway.

PURCHASE STATE MACHINE:
  Init -> Validated -> Committed -> Recorded -> Delivered | DeliveryFailed

  Early exits (no side effects):
    Validated: ErrProductUnavailable, ErrSelfPurchase, ErrCurrencyMismatch
    Committed: ErrInsufficientFunds, ErrProductUnavailable (claim lost)
    any:       ErrStorage (scope rolled back), ErrHalted

  Committed and Recorded happen in the same storage scope. Everything from
  Recorded onward is financially irreversible: delivery failures are
  reported in the Receipt, never by undoing the transfer.

KEY TYPES IN THIS FILE (types.go):
  - Sale: immutable record of a completed purchase
  - DeliveryAttempt: append-only delivery outcome for a sale
  - Receipt: what Purchase returns to the presentation layer

SEE ALSO:
  - engine.go: Purchase, Deposit, Payout, Redeliver
  - fees.go: two-sided fee computation
  - store.go: unit-of-work contract
  - gateway.go: external collaborators
*/
package market

import (
	"time"

	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
)

type SaleID string

// =============================================================================
// OUTCOME
// =============================================================================

type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeInsufficientFunds Outcome = "failed-insufficient-funds"
	OutcomeSelfPurchase      Outcome = "failed-self-purchase"
	OutcomeFailedDelivery    Outcome = "failed-delivery"
)

// =============================================================================
// SALE - Immutable record of a completed purchase
// =============================================================================

// Sale is written in the same scope as the funds transfer and never
// modified afterwards. Fee + Net == Gross always holds.
type Sale struct {
	ID          SaleID
	ProductID   catalog.ProductID
	ProductName string
	BuyerID     ledger.AccountID
	SellerID    ledger.AccountID
	ReferrerID  ledger.AccountID // affiliate context, may be empty
	Price       ledger.Amount
	Gross       ledger.Amount // debited from the buyer
	Fee         ledger.Amount // credited to the platform
	Net         ledger.Amount // credited to the seller
	Currency    ledger.Currency
	PayloadRef  string
	TransferID  ledger.TransferID
	Outcome     Outcome
	CreatedAt   time.Time
}

// SaleFilter selects sales. Zero fields match anything.
type SaleFilter struct {
	BuyerID  ledger.AccountID
	SellerID ledger.AccountID
	Limit    int
}

// =============================================================================
// DELIVERY
// =============================================================================

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending" // no attempt recorded yet
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt is appended after every call to the gateway.
type DeliveryAttempt struct {
	SaleID  SaleID
	Attempt int
	Status  DeliveryStatus
	Reason  string
	At      time.Time
}

// DeliveryState folds the attempt log of one sale.
func DeliveryState(attempts []DeliveryAttempt) (DeliveryStatus, int) {
	if len(attempts) == 0 {
		return DeliveryPending, 0
	}
	latest := attempts[0]
	for _, a := range attempts[1:] {
		if a.Attempt > latest.Attempt {
			latest = a
		}
	}
	return latest.Status, latest.Attempt
}

// EffectiveOutcome combines the sale and its delivery log for reporting.
func EffectiveOutcome(s Sale, attempts []DeliveryAttempt) Outcome {
	if status, _ := DeliveryState(attempts); status == DeliveryFailed {
		return OutcomeFailedDelivery
	}
	return s.Outcome
}

// =============================================================================
// PURCHASE REQUEST / RECEIPT
// =============================================================================

type PurchaseRequest struct {
	ProductID  catalog.ProductID
	BuyerID    ledger.AccountID
	ReferrerID ledger.AccountID // set when the buyer arrived through an affiliate link
}

// Receipt is returned for every committed purchase.
type Receipt struct {
	Sale     Sale
	Quote    PriceQuote
	Delivery DeliveryAttempt
}

// Delivered reports whether the buyer received the file.
func (r *Receipt) Delivered() bool {
	return r.Delivery.Status == DeliveryDelivered
}

// Outcome is completed, or failed-delivery when the money moved but the
// file did not reach the buyer.
func (r *Receipt) Outcome() Outcome {
	if r.Delivered() {
		return OutcomeCompleted
	}
	return OutcomeFailedDelivery
}

// Stats summarizes the marketplace for operators.
type Stats struct {
	Accounts       int
	Products       int
	ActiveProducts int
	Sales          int
	Volume         ledger.Amount // sum of gross prices
	PlatformFees   ledger.Amount
}
