package market

import (
	"errors"

	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrProductUnavailable: product missing, deleted, or already claimed.
	ErrProductUnavailable = errors.New("product unavailable")

	ErrSelfPurchase = errors.New("cannot purchase own product")

	// ErrInsufficientFunds is the ledger's error; errors.Is works on either.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds

	ErrInvalidAmount = ledger.ErrInvalidAmount

	// ErrCurrencyMismatch: the product is priced in a currency the ledger does not hold.
	ErrCurrencyMismatch = errors.New("product currency differs from ledger currency")

	// ErrStorage means the purchase scope failed and was rolled back entirely.
	ErrStorage = ledger.ErrStorage

	// ErrHalted means financial mutations are disabled after a fatal ledger error.
	ErrHalted = ledger.ErrHalted

	ErrSaleNotFound     = errors.New("sale not found")
	ErrAlreadyDelivered = errors.New("sale already delivered")
	ErrDeliveryFailed   = errors.New("delivery failed")
)

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrProductUnavailable) ||
		errors.Is(err, ErrSelfPurchase) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrAlreadyDelivered) ||
		ledger.IsClientError(err) ||
		catalog.IsClientError(err)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSaleNotFound) || errors.Is(err, catalog.ErrNotFound)
}

// OutcomeOf maps a Purchase error to the outcome reported for it. Errors
// without a dedicated outcome map to the empty string.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, ErrSelfPurchase):
		return OutcomeSelfPurchase
	case errors.Is(err, ErrDeliveryFailed):
		return OutcomeFailedDelivery
	}
	return ""
}
