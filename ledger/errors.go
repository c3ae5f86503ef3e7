package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when the debit account's balance,
	// read inside the transfer's scope, is below the amount debited.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive amounts or amounts with
	// more than two decimal places.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAccount is returned for an empty account id or a transfer
	// that credits its own debit account.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrDuplicateTransfer is returned when a transfer reference is reused.
	ErrDuplicateTransfer = errors.New("duplicate transfer reference")

	// ErrStorage wraps any persistence failure. The scope is rolled back.
	ErrStorage = errors.New("storage error")

	// ErrCorrupted means stored balances cannot be trusted any more.
	ErrCorrupted = errors.New("ledger corrupted")

	// ErrHalted is returned by every mutation after the ledger has halted.
	ErrHalted = errors.New("ledger halted")

	// ErrStoreRequired is returned when an operation needs an optional store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	Account   AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s, shortfall %s",
		e.Account, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// DuplicateTransferError carries the transfer that already owns the reference.
type DuplicateTransferError struct {
	Reference string
	Existing  TransferID
}

func (e *DuplicateTransferError) Error() string {
	return fmt.Sprintf("transfer reference %q already used by %s", e.Reference, e.Existing)
}

func (e *DuplicateTransferError) Unwrap() error {
	return ErrDuplicateTransfer
}

// CorruptionError describes one inconsistency found while verifying.
type CorruptionError struct {
	Account  AccountID
	Stored   Amount
	Replayed Amount
	Detail   string
}

func (e *CorruptionError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("ledger corrupted: %s", e.Detail)
	}
	return fmt.Sprintf("ledger corrupted: account %s stored %s, replayed %s",
		e.Account, e.Stored, e.Replayed)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorrupted
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrDuplicateTransfer)
}
