package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/market-engine/ledger"
)

// maxCASRetries bounds the reload/compare-and-set loop in Withdraw.
const maxCASRetries = 5

type Catalog struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Catalog {
	return &Catalog{store: store, now: time.Now}
}

// Create validates d and stores it as an active product.
func (c *Catalog) Create(ctx context.Context, d Draft) (ProductID, error) {
	d, err := d.Validate()
	if err != nil {
		return "", err
	}

	p := Product{
		ID:          ProductID(uuid.NewString()),
		OwnerID:     d.OwnerID,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.Price,
		Currency:    d.Currency,
		PayloadRef:  d.PayloadRef,
		Category:    d.Category,
		Status:      StatusActive,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.InsertProduct(ctx, p); err != nil {
		return "", fmt.Errorf("failed to create product: %w", err)
	}
	return p.ID, nil
}

func (c *Catalog) Get(ctx context.Context, id ProductID) (*Product, error) {
	return c.store.Product(ctx, id)
}

// ListActive returns purchasable products, optionally for one category.
// Order is not guaranteed.
func (c *Catalog) ListActive(ctx context.Context, category Category) ([]Product, error) {
	return c.store.Products(ctx, Filter{Category: category, Status: StatusActive})
}

// ListByOwner returns every product of owner regardless of status.
func (c *Catalog) ListByOwner(ctx context.Context, owner ledger.AccountID) ([]Product, error) {
	return c.store.Products(ctx, Filter{OwnerID: owner})
}

// Withdraw deletes a listing on behalf of its owner.
// When every compare-and-set loses a race, the *StatusError reports the
// status the last attempt expected and the one it found afterwards.
func (c *Catalog) Withdraw(ctx context.Context, id ProductID, requester ledger.AccountID) error {
	var expected Status
	for i := 0; i < maxCASRetries; i++ {
		p, err := c.store.Product(ctx, id)
		if err != nil {
			return err
		}
		if p.OwnerID != requester {
			return ErrNotOwner
		}
		if p.Status == StatusDeleted {
			return ErrAlreadyDeleted
		}

		expected = p.Status
		ok, err := c.store.SetStatus(ctx, id, expected, StatusDeleted)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	p, err := c.store.Product(ctx, id)
	if err != nil {
		return err
	}
	return &StatusError{ProductID: id, Expected: expected, Actual: p.Status}
}

// MarkSold claims a single-unit product so no other purchase can take it.
func (c *Catalog) MarkSold(ctx context.Context, id ProductID) error {
	return Claim(ctx, c.store, id)
}

// Release returns a claimed product to the active listing.
func (c *Catalog) Release(ctx context.Context, id ProductID) error {
	return transition(ctx, c.store, id, StatusSoldLocked, StatusActive)
}

// Claim moves id from active to sold_locked through s. The purchase engine
// calls it with its transaction scope so the claim commits or rolls back
// together with the funds transfer.
func Claim(ctx context.Context, s Store, id ProductID) error {
	return transition(ctx, s, id, StatusActive, StatusSoldLocked)
}

func transition(ctx context.Context, s Store, id ProductID, from, to Status) error {
	ok, err := s.SetStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	p, err := s.Product(ctx, id)
	if err != nil {
		return err
	}
	return &StatusError{ProductID: id, Expected: from, Actual: p.Status}
}
