/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between the effects engine and the database.
  Four collections: transactions, sources, depts, receivings (the last two
  share one shape, selected by DebtKind).

WRITE RULES:
  - IncrementSource is a blind atomic increment. No prior read needed.
  - UpdateDebtBalance is a CONDITIONAL write: it only succeeds if the row
    still carries expectedVersion. Remaining/status depend on the current
    row, so debts are read-then-write and need the version guard.
  - Entry logs are append / remove-by-transaction-id.

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view. Any error
  rolls back every write made through that view. The lifecycle manager
  wraps each create/update/delete in exactly one WithTx.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + restore
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	TransactionStore
	SourceStore
	DebtStore

	// UserIDs lists every user owning at least one source, debt or transaction.
	UserIDs(ctx context.Context) ([]UserID, error)
}

type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns ErrTransactionNotFound if the row is missing
	// or owned by another user.
	GetTransaction(ctx context.Context, userID UserID, id TransactionID) (*Transaction, error)

	// ReplaceTransaction overwrites type, payload and UpdatedAt of an existing row.
	ReplaceTransaction(ctx context.Context, tx Transaction) error

	DeleteTransaction(ctx context.Context, userID UserID, id TransactionID) error

	// ListTransactions returns one page, newest first, and the total match count.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)
}

type SourceStore interface {
	CreateSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id SourceID) (*Source, error)
	ListSources(ctx context.Context, userID UserID) ([]Source, error)

	IncrementSource(ctx context.Context, id SourceID, delta SourceDelta) error
	AppendSourceEntry(ctx context.Context, id SourceID, entry SourceEntry) error
	RemoveSourceEntries(ctx context.Context, id SourceID, txID TransactionID) error
}

type DebtStore interface {
	CreateDebt(ctx context.Context, debt Debt) error
	GetDebt(ctx context.Context, kind DebtKind, id DebtID) (*Debt, error)
	ListDebts(ctx context.Context, kind DebtKind, userID UserID) ([]Debt, error)

	// UpdateDebtBalance writes remaining/status and bumps the version, but
	// only if the stored version equals expectedVersion. Otherwise it
	// returns a *VersionConflictError.
	UpdateDebtBalance(ctx context.Context, kind DebtKind, id DebtID, remaining decimal.Decimal, status DebtStatus, expectedVersion int64) error
	AppendDebtEntry(ctx context.Context, kind DebtKind, id DebtID, entry DebtEntry) error
	RemoveDebtEntries(ctx context.Context, kind DebtKind, id DebtID, txID TransactionID) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Snapshotter is implemented by stores that can serve a read-only view
// fixed at one point in time without taking write locks. The auditor
// prefers it over WithTx.
type Snapshotter interface {
	WithSnapshot(ctx context.Context, fn func(Store) error) error
}
