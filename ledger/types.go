/*
Package ledger provides the points ledger and supply-accounting core.

PURPOSE:
  Tracks the global point supply, per-profile balances and the append-only
  transaction log that connects them. External payment events and internal
  activity rewards both end up here, and each one must move balances and
  supply exactly once no matter how often it is delivered.

KEY CONCEPTS IN THIS FILE (types.go):
  - ProfileID / TransactionID: Type-safe identifiers
  - TransactionType: EARN, BUY, SPEND, REFUND, SELL, ADMIN_ADJUST
  - TransactionStatus: PENDING -> {COMPLETED, FAILED}
  - Transaction: One economic event, signed amount
  - ProfileBalance: Versioned per-profile row
  - SupplyState: Versioned singleton supply row

DESIGN PRINCIPLES:
  1. One-way state machine: terminal transactions never change status again
  2. Optimistic concurrency: every row carries a Version, writes are CAS
  3. Conservation: circulating + holding + reserve == total, always
  4. Idempotency: ReferenceID is unique among non-FAILED transactions

SEE ALSO:
  - supply.go: SupplyLedger
  - balance.go: ProfileBalanceLedger
  - transactions.go: TransactionLog
  - store.go: Persistence interfaces
*/
package ledger

import (
	"math"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProfileID string
type TransactionID string

// =============================================================================
// TRANSACTION - One balance-affecting event
// =============================================================================

type TransactionType string

const (
	TxEarn        TransactionType = "EARN"         // Activity reward
	TxBuy         TransactionType = "BUY"          // Purchase confirmed by the payment provider
	TxSpend       TransactionType = "SPEND"        // Points spent on a product or feature
	TxRefund      TransactionType = "REFUND"       // Purchase refunded, points clawed back
	TxSell        TransactionType = "SELL"         // Points redeemed for a payout
	TxAdminAdjust TransactionType = "ADMIN_ADJUST" // Manual correction, either sign
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxAmount bounds a single transaction or supply movement.
const MaxAmount int64 = 1_000_000_000_000_000

type Transaction struct {
	ID           TransactionID
	ProfileID    ProfileID
	Type         TransactionType
	Amount       int64 // signed: credits > 0, debits < 0
	BalanceAfter int64
	Status       TransactionStatus
	ReferenceID  string
	Description  string
	Metadata     Metadata
	FailReason   string

	// SupplyApplied is set once the matching supply movement has been
	// recorded. COMPLETED rows with SupplyApplied=false are picked up by
	// the reconciliation sweep.
	SupplyApplied bool

	Version     int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// ActivityType returns the activity an EARN transaction rewarded, if any.
func (t Transaction) ActivityType() string {
	return t.Metadata.String(MetaActivityType)
}

// IsCredit reports whether completing the transaction adds points.
func (t Transaction) IsCredit() bool { return t.Amount > 0 }

// =============================================================================
// PROFILE BALANCE - Per-profile versioned row
// =============================================================================

type ProfileBalance struct {
	ProfileID         ProfileID
	Balance           int64
	LifetimeEarned    int64
	LifetimeSpent     int64
	LastTransaction   *time.Time
	LastTransactionID TransactionID
	Version           int64
	CreatedAt         time.Time
}

// WithDelta returns the row after applying a signed delta.
// A delta that would drive the balance negative is rejected.
func (b ProfileBalance) WithDelta(delta int64, txID TransactionID, at time.Time) (ProfileBalance, error) {
	next := b
	if delta > 0 && (b.Balance > math.MaxInt64-delta || b.LifetimeEarned > math.MaxInt64-delta) {
		return b, invalid("amount", "%d would overflow the balance of %s", delta, b.ProfileID)
	}
	next.Balance = b.Balance + delta
	if next.Balance < 0 {
		return b, &InsufficientBalanceError{
			ProfileID: b.ProfileID,
			Available: b.Balance,
			Requested: -delta,
		}
	}
	switch {
	case delta > 0:
		next.LifetimeEarned += delta
	case delta < 0:
		next.LifetimeSpent += -delta
	}
	next.LastTransaction = &at
	next.LastTransactionID = txID
	next.Version = b.Version + 1
	return next, nil
}

// =============================================================================
// TRANSACTION FILTER - Listing and pagination
// =============================================================================

type TransactionFilter struct {
	ProfileID    ProfileID
	Types        []TransactionType
	Statuses     []TransactionStatus
	ActivityType string
	Since        *time.Time // CreatedAt >= Since
	Until        *time.Time // CreatedAt < Until

	// SupplyApplied restricts to rows with the given flag when non-nil.
	SupplyApplied *bool

	// Oldest first when true; newest first otherwise.
	Ascending bool
	Limit     int
	Offset    int
}

// Matches reports whether tx passes every set criterion except paging.
// Stores that filter in memory use this; SQL stores translate it.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.ProfileID != "" && tx.ProfileID != f.ProfileID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, tx.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status) {
		return false
	}
	if f.ActivityType != "" && tx.ActivityType() != f.ActivityType {
		return false
	}
	if f.Since != nil && tx.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !tx.CreatedAt.Before(*f.Until) {
		return false
	}
	if f.SupplyApplied != nil && tx.SupplyApplied != *f.SupplyApplied {
		return false
	}
	return true
}

func containsType(types []TransactionType, t TransactionType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []TransactionStatus, s TransactionStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// NonFailed is the status set that participates in reference uniqueness.
var NonFailed = []TransactionStatus{StatusPending, StatusCompleted}
