/*
balance.go - ProfileBalanceLedger, per-profile versioned balance rows

PURPOSE:
  Holds one row per profile: balance, lifetime earned/spent counters and
  the last transaction touching it. Rows are created lazily on first use.

ATOMICITY:
  ApplyDelta never commits on its own. It runs inside the unit opened by
  TransactionLog.Complete so that the balance change and the transition
  to COMPLETED land together or not at all.

RECONSTRUCTION:
  balance == sum(amount) over the profile's COMPLETED transactions.
  AuditBalance recomputes that sum and reports drift; it never patches.

SEE ALSO:
  - transactions.go: Opens the unit ApplyDelta runs in
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type BalanceLedger struct {
	store  TxStore
	logger *slog.Logger
	now    func() time.Time
}

func NewBalanceLedger(store TxStore, logger *slog.Logger, now func() time.Time) *BalanceLedger {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &BalanceLedger{store: store, logger: logger.With("component", "balances"), now: now}
}

// FindOrCreate returns the profile's row, creating a zero row if needed.
func (l *BalanceLedger) FindOrCreate(ctx context.Context, profileID ProfileID) (ProfileBalance, error) {
	if profileID == "" {
		return ProfileBalance{}, invalid("profileId", "required")
	}
	b, err := l.store.GetBalance(ctx, profileID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ProfileBalance{}, err
	}

	b = ProfileBalance{ProfileID: profileID, Version: 1, CreatedAt: l.now().UTC()}
	err = l.store.CreateBalance(ctx, b)
	if errors.Is(err, ErrAlreadyExists) {
		// lost the race to another creator
		return l.store.GetBalance(ctx, profileID)
	}
	if err != nil {
		return ProfileBalance{}, fmt.Errorf("create balance for %s: %w", profileID, err)
	}
	return b, nil
}

// Get returns the profile's row, or a zero view for profiles that never
// transacted. It never writes.
func (l *BalanceLedger) Get(ctx context.Context, profileID ProfileID) (ProfileBalance, error) {
	b, err := l.store.GetBalance(ctx, profileID)
	if errors.Is(err, ErrNotFound) {
		return ProfileBalance{ProfileID: profileID}, nil
	}
	return b, err
}

// ApplyDelta adjusts the profile's row inside unit with a single
// compare-and-swap. A lost swap returns ErrVersionConflict; the caller
// owns the retry. A delta that would go negative returns
// *InsufficientBalanceError and writes nothing.
func (l *BalanceLedger) ApplyDelta(ctx context.Context, unit Store, profileID ProfileID, delta int64, txID TransactionID) (ProfileBalance, error) {
	if delta == 0 {
		return ProfileBalance{}, invalid("amount", "delta must be non-zero")
	}
	at := l.now().UTC()

	cur, err := unit.GetBalance(ctx, profileID)
	if errors.Is(err, ErrNotFound) {
		zero := ProfileBalance{ProfileID: profileID, CreatedAt: at}
		next, err := zero.WithDelta(delta, txID, at)
		if err != nil {
			return ProfileBalance{}, err
		}
		if err := unit.CreateBalance(ctx, next); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return ProfileBalance{}, ErrVersionConflict
			}
			return ProfileBalance{}, err
		}
		return next, nil
	}
	if err != nil {
		return ProfileBalance{}, err
	}

	next, err := cur.WithDelta(delta, txID, at)
	if err != nil {
		return ProfileBalance{}, err
	}
	if err := unit.UpdateBalance(ctx, next, cur.Version); err != nil {
		return ProfileBalance{}, err
	}
	return next, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// BalanceAudit compares a stored balance to the sum of its COMPLETED
// transactions.
type BalanceAudit struct {
	ProfileID      ProfileID
	Stored         ProfileBalance
	Computed       int64
	ComputedEarned int64
	ComputedSpent  int64
	Transactions   int
	Drift          int64 // Stored.Balance - Computed
}

func (a BalanceAudit) Consistent() bool {
	return a.Drift == 0 &&
		a.Stored.LifetimeEarned == a.ComputedEarned &&
		a.Stored.LifetimeSpent == a.ComputedSpent
}

const auditPageSize = 500

// AuditBalance recomputes the balance from the transaction log.
func (l *BalanceLedger) AuditBalance(ctx context.Context, profileID ProfileID) (BalanceAudit, error) {
	stored, err := l.Get(ctx, profileID)
	if err != nil {
		return BalanceAudit{}, err
	}
	audit := BalanceAudit{ProfileID: profileID, Stored: stored}

	filter := TransactionFilter{
		ProfileID: profileID,
		Statuses:  []TransactionStatus{StatusCompleted},
		Ascending: true,
		Limit:     auditPageSize,
	}
	for {
		page, err := l.store.ListTransactions(ctx, filter)
		if err != nil {
			return BalanceAudit{}, err
		}
		for _, tx := range page {
			audit.Computed += tx.Amount
			if tx.Amount > 0 {
				audit.ComputedEarned += tx.Amount
			} else {
				audit.ComputedSpent += -tx.Amount
			}
		}
		audit.Transactions += len(page)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}
	audit.Drift = stored.Balance - audit.Computed

	if !audit.Consistent() {
		l.logger.Error("balance drift detected",
			"profile", profileID, "stored", stored.Balance, "computed", audit.Computed, "drift", audit.Drift)
	}
	return audit, nil
}
