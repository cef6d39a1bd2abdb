/*
transactions.go - TransactionLog, the append-only idempotent event log

PURPOSE:
  Every balance-affecting event becomes one Transaction. The log owns the
  one-way state machine and orchestrates the balance and supply ledgers
  when a transaction completes.

STATE MACHINE:
  PENDING --Complete--> COMPLETED
     |
     +------Fail------> FAILED

  Terminal rows never change status again. Complete on a COMPLETED row
  and Fail on a FAILED row are no-ops returning the stored row.

IDEMPOTENCY:
  Create with a ReferenceID that a PENDING or COMPLETED row already uses
  returns that row instead of inserting. Payment providers deliver at
  least once; this is where duplicates stop.

COMPLETION (two units):
  Unit 1 (status + balance):
    CAS transaction PENDING -> COMPLETED, BalanceAfter set
    CAS profile balance by Amount
  Unit 2 (supply):
    CAS supply singleton (FulfillCredit for credits, MoveToHolding for debits)
    append supply log entries
    CAS transaction SupplyApplied = true

  Unit 1 is what callers observe: a transaction is COMPLETED exactly when
  its delta is in the balance. If unit 2 fails (contention on the
  singleton, a halt, a crash) the row stays COMPLETED with
  SupplyApplied=false; a replayed Complete or the sweep finishes it.

  A debit that would overdraw fails unit 1 as a whole and the transaction
  is marked FAILED with no balance or supply change.

SEE ALSO:
  - balance.go: ApplyDelta
  - supply.go: Supply drafts and the CAS pipeline
  - sweep.go: Finishes unapplied supply movements, expires stale PENDING rows
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mypts/points-ledger/metrics"
)

type TransactionLog struct {
	store    TxStore
	balances *BalanceLedger
	supply   *SupplyLedger
	retry    RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type LogConfig struct {
	Retry   RetryPolicy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewTransactionLog(store TxStore, balances *BalanceLedger, supply *SupplyLedger, cfg LogConfig) *TransactionLog {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TransactionLog{
		store:    store,
		balances: balances,
		supply:   supply,
		retry:    cfg.Retry,
		logger:   cfg.Logger.With("component", "transactions"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateRequest struct {
	ProfileID   ProfileID
	Type        TransactionType
	Amount      int64
	Description string
	Metadata    Metadata
	ReferenceID string
}

// Validate checks the request against the transaction type registry.
func (r CreateRequest) Validate() error {
	if r.ProfileID == "" {
		return invalid("profileId", "required")
	}
	spec, ok := LookupTransactionType(r.Type)
	if !ok {
		return invalid("type", "unknown transaction type %q", r.Type)
	}
	if err := spec.ValidateAmount(r.Amount); err != nil {
		return err
	}
	return spec.ValidateMetadata(r.Metadata)
}

// Create inserts a PENDING transaction. When ReferenceID is already used
// by a non-FAILED transaction, that transaction is returned and created
// is false.
func (l *TransactionLog) Create(ctx context.Context, req CreateRequest) (tx Transaction, created bool, err error) {
	if err := req.Validate(); err != nil {
		return Transaction{}, false, err
	}
	if req.ReferenceID != "" {
		existing, err := l.store.FindByReference(ctx, req.ReferenceID)
		if err == nil {
			l.logger.Debug("reference already recorded", "reference", req.ReferenceID, "transaction", existing.ID)
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Transaction{}, false, err
		}
	}

	now := l.now().UTC()
	tx = Transaction{
		ID:          TransactionID(uuid.NewString()),
		ProfileID:   req.ProfileID,
		Type:        req.Type,
		Amount:      req.Amount,
		Status:      StatusPending,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
		Metadata:    req.Metadata.Clone(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = l.store.InsertTransaction(ctx, tx)
	if errors.Is(err, ErrDuplicateReference) {
		// a concurrent Create with the same reference won
		existing, ferr := l.store.FindByReference(ctx, req.ReferenceID)
		if ferr != nil {
			return Transaction{}, false, fmt.Errorf("reference %s: %w", req.ReferenceID, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("insert transaction: %w", err)
	}
	l.metrics.TransactionOutcome(string(tx.Type), "created")
	return tx, true, nil
}

// =============================================================================
// COMPLETE
// =============================================================================

var errNotPending = errors.New("transaction is no longer pending")

// Complete transitions a PENDING transaction to COMPLETED and applies its
// balance and supply effects. On a COMPLETED transaction it is a no-op
// that only finishes an unapplied supply movement.
func (l *TransactionLog) Complete(ctx context.Context, id TransactionID) (Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}

	switch tx.Status {
	case StatusFailed:
		return tx, fmt.Errorf("%w: %s is FAILED", ErrInvalidTransition, id)
	case StatusCompleted:
		l.metrics.TransactionOutcome(string(tx.Type), "replayed")
		if !tx.SupplyApplied {
			if err := l.applySupply(ctx, tx.ID); err != nil {
				return tx, err
			}
			return l.store.GetTransaction(ctx, id)
		}
		return tx, nil
	}

	if err := l.supply.checkHalted(); err != nil {
		return tx, err
	}
	if tx.IsCredit() {
		if failed, err := l.precheckCredit(ctx, tx); err != nil {
			return failed, err
		}
	}

	completed, err := retryOnConflict(ctx, l.retry, func() { l.metrics.Conflict("balance") }, func() (Transaction, error) {
		return l.completeOnce(ctx, id)
	})
	switch {
	case errors.Is(err, errNotPending):
		// someone else moved it first; report their outcome
		return l.Complete(ctx, id)
	case errors.Is(err, ErrInsufficientBalance):
		failed, ferr := l.Fail(ctx, id, "insufficient balance")
		if ferr != nil {
			return tx, errors.Join(err, ferr)
		}
		return failed, err
	case err != nil:
		return tx, err
	}

	l.metrics.TransactionOutcome(string(completed.Type), "completed")
	l.logger.Info("transaction completed",
		"transaction", completed.ID, "profile", completed.ProfileID,
		"type", completed.Type, "amount", completed.Amount, "balance_after", completed.BalanceAfter)

	if err := l.applySupply(ctx, completed.ID); err != nil {
		l.logger.Warn("supply movement deferred to sweep", "transaction", completed.ID, "error", err)
		return completed, err
	}
	return l.store.GetTransaction(ctx, id)
}

// precheckCredit fails the transaction up front when fulfilling it would
// need minting that the shortfall policy or the supply cap forbids.
// Credits already COMPLETED but not yet moved out of holding keep their
// claim on holding and on the cap headroom.
func (l *TransactionLog) precheckCredit(ctx context.Context, tx Transaction) (Transaction, error) {
	state, err := l.supply.State(ctx)
	if err != nil {
		return tx, err
	}
	owed, err := l.unappliedCredits(ctx)
	if err != nil {
		return tx, err
	}
	shortfall := owed + tx.Amount - state.HoldingSupply
	if shortfall <= 0 {
		return tx, nil
	}

	var cause error
	switch {
	case l.supply.shortfall == ShortfallReject:
		cause = &InsufficientSupplyError{Pool: "holding", Available: max(state.HoldingSupply-owed, 0), Requested: tx.Amount}
	case state.MaxSupply != nil && state.TotalSupply+shortfall > *state.MaxSupply:
		cause = &SupplyCapError{MaxSupply: *state.MaxSupply, TotalSupply: state.TotalSupply, Requested: shortfall}
	default:
		return tx, nil
	}

	failed, err := l.Fail(ctx, tx.ID, cause.Error())
	if err != nil {
		return tx, errors.Join(cause, err)
	}
	return failed, cause
}

// unappliedCredits sums the credits whose balance landed but whose supply
// movement is still waiting for a retry or the sweep.
func (l *TransactionLog) unappliedCredits(ctx context.Context) (int64, error) {
	unapplied := false
	filter := TransactionFilter{
		Statuses:      []TransactionStatus{StatusCompleted},
		SupplyApplied: &unapplied,
		Ascending:     true,
		Limit:         MaxPageSize,
	}
	var owed int64
	for {
		page, err := l.store.ListTransactions(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("list unapplied: %w", err)
		}
		for _, tx := range page {
			if tx.IsCredit() {
				owed += tx.Amount
			}
		}
		if len(page) < filter.Limit {
			return owed, nil
		}
		filter.Offset += len(page)
	}
}

// completeOnce is unit 1: status and balance move together.
func (l *TransactionLog) completeOnce(ctx context.Context, id TransactionID) (Transaction, error) {
	var next Transaction
	err := l.store.WithTx(ctx, func(unit Store) error {
		cur, err := unit.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return errNotPending
		}

		bal, err := l.balances.ApplyDelta(ctx, unit, cur.ProfileID, cur.Amount, cur.ID)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		next = cur
		next.Status = StatusCompleted
		next.BalanceAfter = bal.Balance
		next.CompletedAt = &now
		next.UpdatedAt = now
		next.Version = cur.Version + 1
		return unit.UpdateTransaction(ctx, next, cur.Version)
	})
	return next, err
}

// applySupply is unit 2. It re-reads the transaction on every attempt so
// concurrent replays and the sweep apply the movement once.
func (l *TransactionLog) applySupply(ctx context.Context, id TransactionID) error {
	const op = "complete_transaction"
	_, err := retryOnConflict(ctx, l.retry, func() { l.metrics.Conflict("supply") }, func() (struct{}, error) {
		cur, err := l.store.GetTransaction(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if cur.Status != StatusCompleted || cur.SupplyApplied {
			return struct{}{}, nil
		}

		reason := fmt.Sprintf("%s %s", cur.Type, cur.ID)
		meta := Metadata{"profileId": string(cur.ProfileID), "transactionType": string(cur.Type)}
		var minted int64
		movement := func(d *supplyDraft) error {
			if cur.IsCredit() {
				before := d.state
				f, err := d.fulfillCredit(cur.Amount, reason, meta, l.supply.shortfall)
				minted = f.Minted
				if IsClientError(err) {
					// the balance is already credited; nothing can take it back
					return l.supply.haltWith(ctx, op,
						fmt.Sprintf("completed credit %s cannot be fulfilled: %v", cur.ID, err), before)
				}
				return err
			}
			amount := -cur.Amount
			if amount > d.state.CirculatingSupply {
				// circulating must cover every balance
				return l.supply.haltWith(ctx, op,
					fmt.Sprintf("debit %d exceeds circulating supply %d", amount, d.state.CirculatingSupply), d.state)
			}
			return d.moveToHolding(amount, reason, meta)
		}
		markApplied := func(unit Store) error {
			next := cur
			next.SupplyApplied = true
			next.UpdatedAt = l.now().UTC()
			next.Version = cur.Version + 1
			return unit.UpdateTransaction(ctx, next, cur.Version)
		}

		if _, _, err := l.supply.mutateOnce(ctx, op, cur.ID, movement, markApplied); err != nil {
			return struct{}{}, err
		}
		l.metrics.Minted(minted)
		if minted > 0 {
			l.logger.Info("shortfall minted", "transaction", cur.ID, "minted", minted)
		}
		return struct{}{}, nil
	})
	if err != nil && !errors.Is(err, ErrRetryableConflict) && !errors.Is(err, ErrLedgerHalted) {
		l.logger.Error("supply movement failed", "transaction", id, "error", err)
	}
	return err
}

// =============================================================================
// FAIL
// =============================================================================

// Fail transitions a PENDING transaction to FAILED. No balance or supply
// effects. Failing an already FAILED transaction is a no-op.
func (l *TransactionLog) Fail(ctx context.Context, id TransactionID, reason string) (Transaction, error) {
	failed, err := retryOnConflict(ctx, l.retry, func() { l.metrics.Conflict("transaction") }, func() (Transaction, error) {
		cur, err := l.store.GetTransaction(ctx, id)
		if err != nil {
			return Transaction{}, err
		}
		switch cur.Status {
		case StatusFailed:
			return cur, nil
		case StatusCompleted:
			return cur, fmt.Errorf("%w: %s is COMPLETED", ErrInvalidTransition, id)
		}
		next := cur
		next.Status = StatusFailed
		next.FailReason = reason
		next.UpdatedAt = l.now().UTC()
		next.Version = cur.Version + 1
		if err := l.store.UpdateTransaction(ctx, next, cur.Version); err != nil {
			return Transaction{}, err
		}
		l.metrics.TransactionOutcome(string(next.Type), "failed")
		l.logger.Info("transaction failed", "transaction", id, "profile", next.ProfileID, "reason", reason)
		return next, nil
	})
	return failed, err
}

// =============================================================================
// CONVENIENCE + QUERIES
// =============================================================================

// Record creates (or finds, by reference) a transaction and completes it.
func (l *TransactionLog) Record(ctx context.Context, req CreateRequest) (Transaction, error) {
	tx, _, err := l.Create(ctx, req)
	if err != nil {
		return Transaction{}, err
	}
	return l.Complete(ctx, tx.ID)
}

func (l *TransactionLog) Get(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// GetByReference returns the PENDING or COMPLETED transaction for ref.
func (l *TransactionLog) GetByReference(ctx context.Context, ref string) (Transaction, error) {
	return l.store.FindByReference(ctx, ref)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageLimit is the page size List uses for a requested limit.
func PageLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// List returns one page of transactions plus the total count matching the
// filter, ignoring paging.
func (l *TransactionLog) List(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if filter.Offset < 0 {
		return nil, 0, invalid("offset", "must not be negative")
	}
	filter.Limit = PageLimit(filter.Limit)
	txs, err := l.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := l.store.CountTransactions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// Count returns how many transactions match, ignoring paging.
func (l *TransactionLog) Count(ctx context.Context, filter TransactionFilter) (int, error) {
	return l.store.CountTransactions(ctx, filter)
}
