/*
Package catalog stores marketplace listings.

PURPOSE:
  A Product is a file offered for sale by its owner at a fixed price. The
  catalog owns product records; after creation only Status and SoldCount
  ever change, and Status only through compare-and-set.

STATUS TRANSITIONS:
  active      -> deleted      (owner withdraws)
  active      -> sold_locked  (single-unit claim inside a purchase scope)
  sold_locked -> active       (release, e.g. after an administrative refund)
  sold_locked -> deleted      (owner withdraws a claimed unit)

  A product is eligible for listing and purchase iff Status == active.

DRAFTS:
  The chat front-end collects a listing over several prompts. It keeps the
  partial Draft itself and hands it to Create by value once complete; the
  catalog never sees a half-built listing.
*/
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/market-engine/ledger"
)

type ProductID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive     Status = "active"
	StatusSoldLocked Status = "sold_locked"
	StatusDeleted    Status = "deleted"
)

// =============================================================================
// CATEGORY
// =============================================================================

type Category string

const (
	CategoryAll      Category = ""
	CategoryGeneral  Category = "General"
	CategoryEBooks   Category = "EBooks"
	CategorySoftware Category = "Software"
	CategoryArt      Category = "Art"
	CategoryMusic    Category = "Music"
	CategoryOther    Category = "Other"
)

var categories = []Category{
	CategoryGeneral, CategoryEBooks, CategorySoftware, CategoryArt, CategoryMusic, CategoryOther,
}

// Categories lists every category a product may be filed under.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory matches case-insensitively; "" and "all" mean every category.
func ParseCategory(s string) (Category, error) {
	if s == "" || strings.EqualFold(s, "all") {
		return CategoryAll, nil
	}
	for _, c := range categories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalidDraft, s)
}

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID          ProductID
	OwnerID     ledger.AccountID
	Name        string
	Description string
	Price       ledger.Amount
	Currency    ledger.Currency
	PayloadRef  string // opaque handle of the stored file
	Category    Category
	Status      Status
	SoldCount   int
	CreatedAt   time.Time
}

// IsActive reports whether the product may be listed and purchased.
func (p Product) IsActive() bool { return p.Status == StatusActive }

// Draft is a fully assembled listing ready for Create.
type Draft struct {
	OwnerID     ledger.AccountID
	Name        string
	Description string
	Price       ledger.Amount
	Currency    ledger.Currency
	PayloadRef  string
	Category    Category
}

// Validate returns the normalized draft. An empty category becomes General.
func (d Draft) Validate() (Draft, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)

	if d.OwnerID == "" {
		return d, fmt.Errorf("%w: owner required", ErrInvalidDraft)
	}
	if d.Name == "" {
		return d, fmt.Errorf("%w: name required", ErrInvalidDraft)
	}
	if d.PayloadRef == "" {
		return d, fmt.Errorf("%w: payload reference required", ErrInvalidDraft)
	}
	if d.Currency == "" {
		return d, fmt.Errorf("%w: currency required", ErrInvalidDraft)
	}
	if !d.Price.IsPositive() || !d.Price.IsFixedPoint() || !d.Price.InRange() {
		return d, fmt.Errorf("%w: %s", ErrInvalidPrice, d.Price)
	}

	if d.Category == CategoryAll {
		d.Category = CategoryGeneral
	}
	c, err := ParseCategory(string(d.Category))
	if err != nil {
		return d, err
	}
	d.Category = c
	return d, nil
}
