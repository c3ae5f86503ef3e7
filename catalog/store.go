package catalog

import (
	"context"

	"github.com/warp/market-engine/ledger"
)

// Filter selects products. Zero fields match anything.
type Filter struct {
	OwnerID  ledger.AccountID
	Category Category
	Status   Status
}

// Store persists products. Status changes go through SetStatus only.
type Store interface {
	InsertProduct(ctx context.Context, p Product) error

	// Product returns ErrNotFound for unknown ids.
	Product(ctx context.Context, id ProductID) (*Product, error)

	Products(ctx context.Context, f Filter) ([]Product, error)

	// SetStatus moves id from `from` to `to` and reports whether it did.
	// It never overwrites a status other than `from`.
	SetStatus(ctx context.Context, id ProductID, from, to Status) (bool, error)

	IncrementSold(ctx context.Context, id ProductID) error
}
