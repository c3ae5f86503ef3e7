package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("product not found")
	ErrInvalidPrice   = errors.New("price must be positive with at most two decimals")
	ErrInvalidDraft   = errors.New("invalid product draft")
	ErrNotOwner       = errors.New("requester does not own product")
	ErrAlreadyDeleted = errors.New("product already deleted")

	// ErrStatusConflict is returned when a compare-and-set finds a status
	// other than the expected one.
	ErrStatusConflict = errors.New("product status changed concurrently")
)

// StatusError reports the status a compare-and-set actually found.
type StatusError struct {
	ProductID ProductID
	Expected  Status
	Actual    Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("product %s: expected status %s, found %s", e.ProductID, e.Expected, e.Actual)
}

func (e *StatusError) Unwrap() error {
	return ErrStatusConflict
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidDraft) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrAlreadyDeleted) ||
		errors.Is(err, ErrStatusConflict)
}
