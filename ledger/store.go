/*
store.go - Persistence contract for balances and the transfer log

APPEND-ONLY CONTRACT:
  Append() is the only write. It persists the transfer, its entries, and
  the resulting balance changes as one unit. There is no Update or Delete.

SCOPES:
  TxStore.WithTx opens a storage-level transaction. The accounts passed as
  `lock` are held exclusively until the scope ends, so a balance read
  inside the scope stays valid until commit. Scopes that lock disjoint
  accounts run independently; scopes sharing a locked account serialize.
  Callers lock every account in Transfer.Accounts(): a credit takes a row
  lock in the SQL stores, so locking only the debit side can deadlock.

IMPLEMENTATIONS:
  - store/memory: per-account mutexes + undo log
  - store/sqlite: single-writer SQLite transaction
  - store/postgres: SELECT ... FOR UPDATE on the locked rows
*/
package ledger

import "context"

// Store handles persistence of balances and transfers.
type Store interface {
	// Balance returns the stored balance; zero for unknown accounts.
	Balance(ctx context.Context, id AccountID) (Amount, error)

	// Append persists the transfer, its entries and the balance deltas.
	// Returns *DuplicateTransferError if the reference is taken.
	Append(ctx context.Context, t Transfer) error

	// TransferByReference returns the transfer holding ref, or nil.
	TransferByReference(ctx context.Context, ref string) (*Transfer, error)

	// Entries returns the newest postings for an account first.
	// limit <= 0 means no limit.
	Entries(ctx context.Context, id AccountID, limit int) ([]Entry, error)
}

// TxStore wraps Store with scoped transactions.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction holding locks on `lock`.
	// If fn returns an error every write made through the scope is rolled back.
	WithTx(ctx context.Context, lock []AccountID, fn func(Store) error) error
}

// AuditStore exposes the raw material for Verify.
type AuditStore interface {
	// Balances returns every materialized account balance.
	Balances(ctx context.Context) (map[AccountID]Amount, error)

	// EntrySums returns the sum of entry deltas per account.
	EntrySums(ctx context.Context) (map[AccountID]Amount, error)
}
