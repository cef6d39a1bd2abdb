/*
store.go - Persistence interface for the points ledger

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Row-level reads and compare-and-swap writes
  TxStore: Store plus WithTx for atomic multi-row units

COMPARE-AND-SWAP CONTRACT:
  UpdateSupply, UpdateBalance and UpdateTransaction take the version the
  caller read. If the stored version differs the write is rejected with
  ErrVersionConflict and nothing changes. Writers bump Version by exactly
  one; the store persists what it is given.

REFERENCE UNIQUENESS:
  InsertTransaction rejects a ReferenceID already used by a PENDING or
  COMPLETED row with ErrDuplicateReference. FAILED rows don't count, so a
  payment that failed and later succeeded gets a fresh transaction.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for testing
*/
package ledger

import "context"

// =============================================================================
// STORE - Row persistence with compare-and-swap writes
// =============================================================================

type Store interface {
	// Supply singleton
	GetSupply(ctx context.Context) (SupplyState, error)
	CreateSupply(ctx context.Context, s SupplyState) error
	UpdateSupply(ctx context.Context, next SupplyState, expectedVersion int64) error
	AppendSupplyLog(ctx context.Context, entry SupplyLogEntry) error
	ListSupplyLogs(ctx context.Context, limit int) ([]SupplyLogEntry, error)

	// Profile balances
	GetBalance(ctx context.Context, profileID ProfileID) (ProfileBalance, error)
	CreateBalance(ctx context.Context, b ProfileBalance) error
	UpdateBalance(ctx context.Context, next ProfileBalance, expectedVersion int64) error

	// Transactions
	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	// FindByReference returns the PENDING or COMPLETED transaction using ref.
	FindByReference(ctx context.Context, ref string) (Transaction, error)
	UpdateTransaction(ctx context.Context, next Transaction, expectedVersion int64) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, filter TransactionFilter) (int, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
