package market

import (
	"context"
	"time"

	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/ledger"
)

// SaleStore persists sales and their delivery log. Both are append-only.
type SaleStore interface {
	AppendSale(ctx context.Context, s Sale) error

	// Sale returns ErrSaleNotFound for unknown ids.
	Sale(ctx context.Context, id SaleID) (*Sale, error)

	// Sales returns matching sales, newest first.
	Sales(ctx context.Context, f SaleFilter) ([]Sale, error)

	// AppendDeliveryAttempt fails if (SaleID, Attempt) already exists.
	AppendDeliveryAttempt(ctx context.Context, a DeliveryAttempt) error

	DeliveryAttempts(ctx context.Context, id SaleID) ([]DeliveryAttempt, error)

	// UndeliveredSales returns sales created before the cutoff whose latest
	// attempt failed (or that have none) and that have fewer than
	// maxAttempts attempts.
	UndeliveredSales(ctx context.Context, createdBefore time.Time, maxAttempts int) ([]Sale, error)
}

// Scope is a view of every store the engine touches. Inside Store.Atomic all
// three share one storage transaction.
type Scope interface {
	Ledger() ledger.Store
	Catalog() catalog.Store
	Sales() SaleStore
}

// Store is the engine's unit of work.
type Store interface {
	Scope

	// Atomic runs fn in one storage transaction holding exclusive locks on
	// `lock`. Any error from fn rolls back every write made through the scope.
	Atomic(ctx context.Context, lock []ledger.AccountID, fn func(Scope) error) error

	Stats(ctx context.Context) (Stats, error)
}
