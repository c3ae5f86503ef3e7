/*
Package ledger provides account balances and the append-only transfer log.

PURPOSE:
  The ledger is the only place balances live. Every movement of internal
  credit between accounts is a Transfer: one debit fanning out to one or
  more credit legs, applied atomically and recorded as immutable entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: fixed-point monetary value with two decimal places
  - AccountID / TransferID: type-safe identifiers
  - Transfer: one debit, N credit legs, applied all-or-nothing
  - Entry: one posting against one account, derived from a Transfer

DESIGN PRINCIPLES:
  1. Closed system: every transfer sums to zero across its entries
  2. Precision: decimal.Decimal, never float64, for stored values
  3. Immutability: entries are never edited; corrections are new transfers
  4. Lazy accounts: an unknown account has balance 0 and is created on first credit

USAGE:
  l := ledger.New(store, ledger.WithOverdraftAccount("treasury"))
  id, err := l.TransferMulti(ctx, "buyer-1", []ledger.Leg{
      {To: "seller-9", Amount: ledger.MustParseAmount("99.00")},
      {To: "platform", Amount: ledger.MustParseAmount("2.00")},
  }, "purchase")

SEE ALSO:
  - store.go: persistence contract
  - ledger.go: Ledger service (validation, funds checks, halting)
  - errors.go: sentinel and structured errors
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every stored amount carries.
const Scale int32 = 2

// =============================================================================
// AMOUNT - Fixed-point monetary value
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

// MaxAmount is the largest magnitude a single amount or balance may reach:
// the int64 range in minor units, which is how the SQL stores persist it.
var MaxAmount = Amount{Value: decimal.New(math.MaxInt64, -Scale)}

func NewAmountFromDecimal(d decimal.Decimal) Amount {
	return Amount{Value: d}
}

// ParseAmount parses a decimal string such as "100.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for literals; it panics on malformed input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func Zero() Amount { return Amount{} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }

// Round rounds half away from zero to Scale places.
func (a Amount) Round() Amount { return Amount{Value: a.Value.Round(Scale)} }

// IsFixedPoint reports whether the amount has no more than Scale decimal places.
func (a Amount) IsFixedPoint() bool { return a.Value.Equal(a.Value.Round(Scale)) }

// InRange reports whether |a| <= MaxAmount.
func (a Amount) InRange() bool { return a.Value.Abs().LessThanOrEqual(MaxAmount.Value) }

// MinorUnits returns the amount in hundredths. It fails with ErrInvalidAmount
// when the amount has more than Scale places or does not fit in an int64.
func (a Amount) MinorUnits() (int64, error) {
	if !a.IsFixedPoint() || !a.InRange() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, a.Value)
	}
	return a.Value.Shift(Scale).IntPart(), nil
}

func (a Amount) String() string { return a.Value.StringFixed(Scale) }

// MarshalJSON renders the amount as a fixed-point string ("101.00") so no
// client ever sees a binary float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "101.00" and 101.00.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Currency is a short code compared by exact equality.
type Currency string

// Credit is the platform's internal accounting unit.
const Credit Currency = "CREDIT"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransferID string

// =============================================================================
// TRANSFER - One debit, N credits, all-or-nothing
// =============================================================================

// Leg is a single credit of a transfer.
type Leg struct {
	To     AccountID
	Amount Amount
}

type Transfer struct {
	ID        TransferID
	From      AccountID
	Legs      []Leg
	Reason    string
	Reference string // optional, unique across the log when set
	CreatedAt time.Time
}

// Total is the amount debited from From.
func (t Transfer) Total() Amount {
	total := Zero()
	for _, leg := range t.Legs {
		total = total.Add(leg.Amount)
	}
	return total
}

// Accounts returns every account the transfer touches, sorted and unique.
func (t Transfer) Accounts() []AccountID {
	seen := map[AccountID]bool{t.From: true}
	ids := []AccountID{t.From}
	for _, leg := range t.Legs {
		if !seen[leg.To] {
			seen[leg.To] = true
			ids = append(ids, leg.To)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries expands the transfer into postings: a debit and a credit per leg.
// The deltas always sum to zero.
func (t Transfer) Entries() []Entry {
	entries := make([]Entry, 0, 2*len(t.Legs))
	for _, leg := range t.Legs {
		entries = append(entries,
			Entry{
				TransferID:   t.ID,
				Account:      t.From,
				Counterparty: leg.To,
				Delta:        leg.Amount.Neg(),
				Reason:       t.Reason,
				Reference:    t.Reference,
				CreatedAt:    t.CreatedAt,
			},
			Entry{
				TransferID:   t.ID,
				Account:      leg.To,
				Counterparty: t.From,
				Delta:        leg.Amount,
				Reason:       t.Reason,
				Reference:    t.Reference,
				CreatedAt:    t.CreatedAt,
			},
		)
	}
	return entries
}

// =============================================================================
// ENTRY - Posting against one account (audit log row)
// =============================================================================

type Entry struct {
	TransferID   TransferID
	Account      AccountID
	Counterparty AccountID
	Delta        Amount
	Reason       string
	Reference    string
	CreatedAt    time.Time
}
