/*
ledger.go - Balance queries and atomic transfers

PURPOSE:
  Ledger is the service every balance mutation goes through. It validates
  transfers, re-checks funds inside the storage scope (never from a stale
  read), and appends the transfer atomically.

CRITICAL INVARIANTS:
  1. A debit account never goes negative, except accounts registered with
     WithOverdraftAccount (the treasury that issues credit into the system).
  2. Every transfer sums to zero, so the sum of all balances stays zero.
  3. All legs of a transfer apply or none do.
  4. Once halted, no further mutation is accepted.

HALTING:
  Verify() replays the entry log against materialized balances. Any
  inconsistency, or a store error wrapping ErrCorrupted, halts the ledger.
  Reads keep working so operators can inspect the damage.

SEE ALSO:
  - store.go: persistence contract
  - market/engine.go: Post() is used inside the purchase scope
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     TxStore
	overdraft map[AccountID]bool
	now       func() time.Time

	mu      sync.RWMutex
	haltErr error
}

type Option func(*Ledger)

// WithOverdraftAccount allows id to be debited below zero. Used for the
// treasury account that funds deposits.
func WithOverdraftAccount(id AccountID) Option {
	return func(l *Ledger) { l.overdraft[id] = true }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		overdraft: make(map[AccountID]bool),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// QUERIES
// =============================================================================

// GetBalance returns the balance of id, zero for accounts never seen.
func (l *Ledger) GetBalance(ctx context.Context, id AccountID) (Amount, error) {
	if id == "" {
		return Amount{}, ErrInvalidAccount
	}
	bal, err := l.store.Balance(ctx, id)
	if err != nil {
		return Amount{}, l.storageErr(err)
	}
	return bal, nil
}

// Entries returns the newest postings for id first.
func (l *Ledger) Entries(ctx context.Context, id AccountID, limit int) ([]Entry, error) {
	if id == "" {
		return nil, ErrInvalidAccount
	}
	entries, err := l.store.Entries(ctx, id, limit)
	if err != nil {
		return nil, l.storageErr(err)
	}
	return entries, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Transfer moves amount from debitFrom to creditTo.
func (l *Ledger) Transfer(ctx context.Context, debitFrom, creditTo AccountID, amount Amount, reason string) (TransferID, error) {
	return l.TransferMulti(ctx, debitFrom, []Leg{{To: creditTo, Amount: amount}}, reason)
}

// TransferMulti debits debitFrom once and fans out to every credit leg.
func (l *Ledger) TransferMulti(ctx context.Context, debitFrom AccountID, credits []Leg, reason string) (TransferID, error) {
	t, err := l.Submit(ctx, Transfer{From: debitFrom, Legs: credits, Reason: reason})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Submit opens its own scope and posts t. Use Post when a scope is already open.
func (l *Ledger) Submit(ctx context.Context, t Transfer) (Transfer, error) {
	if err := l.Halted(); err != nil {
		return Transfer{}, err
	}
	if err := l.validate(t); err != nil {
		return Transfer{}, err
	}

	var posted Transfer
	err := l.store.WithTx(ctx, t.Accounts(), func(s Store) error {
		var err error
		posted, err = l.Post(ctx, s, t)
		return err
	})
	if err != nil {
		return Transfer{}, l.classify(err)
	}
	return posted, nil
}

// Post applies t through s, which must be a scope holding a lock on every
// account in t.Accounts(). It re-reads the balances inside the scope before
// writing.
func (l *Ledger) Post(ctx context.Context, s Store, t Transfer) (Transfer, error) {
	if err := l.Halted(); err != nil {
		return Transfer{}, err
	}
	if err := l.validate(t); err != nil {
		return Transfer{}, err
	}

	if t.Reference != "" {
		existing, err := s.TransferByReference(ctx, t.Reference)
		if err != nil {
			return Transfer{}, l.storageErr(err)
		}
		if existing != nil {
			return Transfer{}, &DuplicateTransferError{Reference: t.Reference, Existing: existing.ID}
		}
	}

	if !l.overdraft[t.From] {
		if err := l.CheckFunds(ctx, s, t.From, t.Total()); err != nil {
			return Transfer{}, err
		}
	}
	if err := l.checkRange(ctx, s, t); err != nil {
		return Transfer{}, err
	}

	if t.ID == "" {
		t.ID = TransferID(uuid.NewString())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now().UTC()
	}

	if err := s.Append(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateTransfer) {
			return Transfer{}, err
		}
		return Transfer{}, l.storageErr(err)
	}
	return t, nil
}

// CheckFunds fails with *InsufficientFundsError if id holds less than amount.
func (l *Ledger) CheckFunds(ctx context.Context, s Store, id AccountID, amount Amount) error {
	bal, err := s.Balance(ctx, id)
	if err != nil {
		return l.storageErr(err)
	}
	if bal.LessThan(amount) {
		return &InsufficientFundsError{Account: id, Available: bal, Requested: amount}
	}
	return nil
}

// checkRange rejects t if any resulting balance would leave [-MaxAmount, MaxAmount].
func (l *Ledger) checkRange(ctx context.Context, s Store, t Transfer) error {
	deltas := make(map[AccountID]Amount)
	for _, e := range t.Entries() {
		deltas[e.Account] = deltas[e.Account].Add(e.Delta)
	}
	for _, id := range t.Accounts() {
		bal, err := s.Balance(ctx, id)
		if err != nil {
			return l.storageErr(err)
		}
		if next := bal.Add(deltas[id]); !next.InRange() {
			return fmt.Errorf("%w: balance of %s would reach %s", ErrInvalidAmount, id, next)
		}
	}
	return nil
}

func (l *Ledger) validate(t Transfer) error {
	if t.From == "" || len(t.Legs) == 0 {
		return ErrInvalidAccount
	}
	for _, leg := range t.Legs {
		if leg.To == "" || leg.To == t.From {
			return fmt.Errorf("%w: leg to %q", ErrInvalidAccount, leg.To)
		}
		if !leg.Amount.IsPositive() || !leg.Amount.IsFixedPoint() || !leg.Amount.InRange() {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, leg.Amount.Value)
		}
	}
	if total := t.Total(); !total.InRange() {
		return fmt.Errorf("%w: total %s exceeds %s", ErrInvalidAmount, total.Value, MaxAmount)
	}
	return nil
}

// =============================================================================
// HALTING & VERIFICATION
// =============================================================================

// Halt stops every further mutation. The first cause wins.
func (l *Ledger) Halt(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.haltErr == nil {
		l.haltErr = cause
		slog.Error("ledger halted", "cause", cause)
	}
}

// Halted returns nil while the ledger accepts mutations.
func (l *Ledger) Halted() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.haltErr != nil {
		return fmt.Errorf("%w: %w", ErrHalted, l.haltErr)
	}
	return nil
}

// Verify replays the entry log against the materialized balances. On any
// mismatch it halts the ledger and returns a *CorruptionError.
func (l *Ledger) Verify(ctx context.Context) error {
	audit, ok := l.store.(AuditStore)
	if !ok {
		return ErrStoreRequired
	}

	balances, err := audit.Balances(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	sums, err := audit.EntrySums(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	ids := make([]AccountID, 0, len(balances)+len(sums))
	seen := make(map[AccountID]bool)
	for id := range balances {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range sums {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	total := Zero()
	for _, id := range ids {
		stored, replayed := balances[id], sums[id]
		if !stored.Equal(replayed) {
			return l.corrupted(&CorruptionError{Account: id, Stored: stored, Replayed: replayed})
		}
		if stored.IsNegative() && !l.overdraft[id] {
			return l.corrupted(&CorruptionError{Account: id, Stored: stored, Replayed: replayed,
				Detail: "negative balance"})
		}
		total = total.Add(stored)
	}
	if !total.IsZero() {
		return l.corrupted(&CorruptionError{Detail: fmt.Sprintf("balances sum to %s, want 0.00", total)})
	}
	return nil
}

func (l *Ledger) corrupted(err *CorruptionError) error {
	l.Halt(err)
	return err
}

func (l *Ledger) storageErr(err error) error {
	if errors.Is(err, ErrCorrupted) {
		l.Halt(err)
		return err
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// classify leaves already-typed errors alone and wraps the rest
// (begin/commit failures) as storage errors.
func (l *Ledger) classify(err error) error {
	if IsClientError(err) || errors.Is(err, ErrHalted) {
		return err
	}
	return l.storageErr(err)
}
