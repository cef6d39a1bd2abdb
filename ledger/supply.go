/*
supply.go - SupplyLedger, the versioned supply singleton

PURPOSE:
  Governs total, circulating, holding and reserve point counts. Every
  mutation is a compare-and-swap on one versioned row, followed by a
  post-hoc invariant check, and leaves a SupplyLogEntry behind.

CRITICAL INVARIANTS:
  1. CONSERVATION: circulating + holding + reserve == total
  2. NON-NEGATIVE: no pool ever goes below zero
  3. CAP: total <= maxSupply when maxSupply is set
  4. EXPLICIT ISSUANCE: total only grows through an ISSUE action

POOLS:
  holding      Pre-minted, available for near-term demand
  circulating  Owned by profiles
  reserve      Held back from both

FULFILLING A CREDIT:
  Purchases and rewards draw from holding first. When holding is short,
  the shortfall is issued into holding (flagged automatic) and moved on,
  so circulating grows by exactly the credited amount and total grows only
  by what had to be minted.

    holding=150M, credit 200M  ->  move 150M, issue 50M, move 50M
                                   total +50M, circulating +200M, holding 0

  With ShortfallReject the same credit fails with ErrInsufficientHolding.

VIOLATIONS:
  A broken invariant is never patched. The ledger halts (writes return
  ErrLedgerHalted), the alert hook fires and an operator has to Resume.

SEE ALSO:
  - transactions.go: Drives FulfillCredit / MoveToHolding on completion
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mypts/points-ledger/metrics"
)

// =============================================================================
// SUPPLY STATE
// =============================================================================

type SupplyState struct {
	TotalSupply       int64
	CirculatingSupply int64
	HoldingSupply     int64
	ReserveSupply     int64
	MaxSupply         *int64
	ValuePerPoint     decimal.Decimal
	LastAdjustment    time.Time
	Version           int64
}

// CheckInvariant returns a description of the first violated invariant, or "".
func (s SupplyState) CheckInvariant() string {
	switch {
	case s.TotalSupply < 0, s.CirculatingSupply < 0, s.HoldingSupply < 0, s.ReserveSupply < 0:
		return "negative supply figure"
	case s.CirculatingSupply+s.HoldingSupply+s.ReserveSupply != s.TotalSupply:
		return fmt.Sprintf("circulating + holding + reserve = %d, total = %d",
			s.CirculatingSupply+s.HoldingSupply+s.ReserveSupply, s.TotalSupply)
	case s.MaxSupply != nil && s.TotalSupply > *s.MaxSupply:
		return fmt.Sprintf("total %d exceeds max supply %d", s.TotalSupply, *s.MaxSupply)
	}
	return ""
}

// MarketValue is total supply priced at ValuePerPoint.
func (s SupplyState) MarketValue() decimal.Decimal {
	return s.ValuePerPoint.Mul(decimal.NewFromInt(s.TotalSupply))
}

// =============================================================================
// SUPPLY LOG - Append-only record of every supply mutation
// =============================================================================

type SupplyAction string

const (
	SupplyBootstrap          SupplyAction = "BOOTSTRAP"
	SupplyIssue              SupplyAction = "ISSUE"
	SupplyMoveToCirculation  SupplyAction = "MOVE_TO_CIRCULATION"
	SupplyMoveToHolding      SupplyAction = "MOVE_TO_HOLDING"
	SupplyMoveToReserve      SupplyAction = "MOVE_TO_RESERVE"
	SupplyReleaseFromReserve SupplyAction = "RELEASE_FROM_RESERVE"
	SupplySetMaxSupply       SupplyAction = "SET_MAX_SUPPLY"
	SupplySetValue           SupplyAction = "SET_VALUE_PER_POINT"
)

type SupplyFigures struct {
	Total       int64
	Circulating int64
	Holding     int64
	Reserve     int64
}

func figuresOf(s SupplyState) SupplyFigures {
	return SupplyFigures{
		Total:       s.TotalSupply,
		Circulating: s.CirculatingSupply,
		Holding:     s.HoldingSupply,
		Reserve:     s.ReserveSupply,
	}
}

type SupplyLogEntry struct {
	ID            string
	Action        SupplyAction
	Amount        int64
	Reason        string
	Metadata      Metadata
	TransactionID TransactionID
	Before        SupplyFigures
	After         SupplyFigures
	CreatedAt     time.Time
}

// =============================================================================
// SUPPLY DRAFT - Pure mutations on a copy of the row
// =============================================================================

// supplyDraft accumulates mutations and their log entries. Nothing is
// persisted until the ledger swaps the draft in.
type supplyDraft struct {
	state SupplyState
	logs  []SupplyLogEntry
	txID  TransactionID
	now   time.Time
}

func (d *supplyDraft) record(action SupplyAction, amount int64, reason string, meta Metadata, before SupplyState) {
	d.logs = append(d.logs, SupplyLogEntry{
		ID:            uuid.NewString(),
		Action:        action,
		Amount:        amount,
		Reason:        reason,
		Metadata:      meta,
		TransactionID: d.txID,
		Before:        figuresOf(before),
		After:         figuresOf(d.state),
		CreatedAt:     d.now,
	})
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return invalid("amount", "must be positive, got %d", amount)
	}
	if amount > MaxAmount {
		return invalid("amount", "must not exceed %d, got %d", MaxAmount, amount)
	}
	return nil
}

// grow adds amount to a supply figure, rejecting a sum that would not fit.
func grow(pool string, figure, amount int64) (int64, error) {
	if figure > math.MaxInt64-amount {
		return figure, invalid("amount", "%d would overflow %s supply %d", amount, pool, figure)
	}
	return figure + amount, nil
}

func (d *supplyDraft) issue(amount int64, reason string, meta Metadata) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	s := d.state
	total, err := grow("total", s.TotalSupply, amount)
	if err != nil {
		return err
	}
	if s.MaxSupply != nil && total > *s.MaxSupply {
		return &SupplyCapError{MaxSupply: *s.MaxSupply, TotalSupply: s.TotalSupply, Requested: amount}
	}
	holding, err := grow("holding", s.HoldingSupply, amount)
	if err != nil {
		return err
	}
	d.state.TotalSupply = total
	d.state.HoldingSupply = holding
	d.record(SupplyIssue, amount, reason, meta, s)
	return nil
}

func (d *supplyDraft) moveToCirculation(amount int64, reason string, meta Metadata) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	s := d.state
	if amount > s.HoldingSupply {
		return &InsufficientSupplyError{Pool: "holding", Available: s.HoldingSupply, Requested: amount}
	}
	circulating, err := grow("circulating", s.CirculatingSupply, amount)
	if err != nil {
		return err
	}
	d.state.HoldingSupply -= amount
	d.state.CirculatingSupply = circulating
	d.record(SupplyMoveToCirculation, amount, reason, meta, s)
	return nil
}

func (d *supplyDraft) moveToHolding(amount int64, reason string, meta Metadata) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	s := d.state
	if amount > s.CirculatingSupply {
		return &InsufficientSupplyError{Pool: "circulating", Available: s.CirculatingSupply, Requested: amount}
	}
	holding, err := grow("holding", s.HoldingSupply, amount)
	if err != nil {
		return err
	}
	d.state.CirculatingSupply -= amount
	d.state.HoldingSupply = holding
	d.record(SupplyMoveToHolding, amount, reason, meta, s)
	return nil
}

func (d *supplyDraft) moveToReserve(amount int64, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	s := d.state
	if amount > s.HoldingSupply {
		return &InsufficientSupplyError{Pool: "holding", Available: s.HoldingSupply, Requested: amount}
	}
	reserve, err := grow("reserve", s.ReserveSupply, amount)
	if err != nil {
		return err
	}
	d.state.HoldingSupply -= amount
	d.state.ReserveSupply = reserve
	d.record(SupplyMoveToReserve, amount, reason, nil, s)
	return nil
}

func (d *supplyDraft) releaseFromReserve(amount int64, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	s := d.state
	if amount > s.ReserveSupply {
		return &InsufficientSupplyError{Pool: "reserve", Available: s.ReserveSupply, Requested: amount}
	}
	holding, err := grow("holding", s.HoldingSupply, amount)
	if err != nil {
		return err
	}
	d.state.ReserveSupply -= amount
	d.state.HoldingSupply = holding
	d.record(SupplyReleaseFromReserve, amount, reason, nil, s)
	return nil
}

// Fulfillment describes how a credit was covered.
type Fulfillment struct {
	Amount int64 // credited amount, always Moved
	Moved  int64 // holding -> circulating
	Minted int64 // shortfall issued into holding first
	State  SupplyState
}

// ShortfallPolicy decides what happens when holding can't cover a credit.
type ShortfallPolicy int

const (
	// ShortfallMint issues the missing points into holding, then moves them.
	ShortfallMint ShortfallPolicy = iota
	// ShortfallReject fails the credit with ErrInsufficientHolding.
	ShortfallReject
)

func (d *supplyDraft) fulfillCredit(amount int64, reason string, meta Metadata, policy ShortfallPolicy) (Fulfillment, error) {
	if err := requirePositive(amount); err != nil {
		return Fulfillment{}, err
	}
	moveAmount := min(amount, d.state.HoldingSupply)
	shortfall := amount - moveAmount
	if shortfall > 0 && policy == ShortfallReject {
		return Fulfillment{}, &InsufficientSupplyError{Pool: "holding", Available: d.state.HoldingSupply, Requested: amount}
	}

	if moveAmount > 0 {
		if err := d.moveToCirculation(moveAmount, reason, meta); err != nil {
			return Fulfillment{}, err
		}
	}
	if shortfall > 0 {
		issueMeta := meta.Clone()
		if issueMeta == nil {
			issueMeta = Metadata{}
		}
		issueMeta[MetaAutomatic] = true
		if err := d.issue(shortfall, reason+" (automatic shortfall issuance)", issueMeta); err != nil {
			return Fulfillment{}, err
		}
		if err := d.moveToCirculation(shortfall, reason, meta); err != nil {
			return Fulfillment{}, err
		}
	}
	return Fulfillment{Amount: amount, Moved: amount, Minted: shortfall}, nil
}

// =============================================================================
// SUPPLY LEDGER
// =============================================================================

// AlertFunc is invoked once for every consistency violation.
type AlertFunc func(ctx context.Context, violation *ConsistencyError)

type SupplyConfig struct {
	Retry     RetryPolicy
	Shortfall ShortfallPolicy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Alert     AlertFunc
	Now       func() time.Time
}

type SupplyLedger struct {
	store     TxStore
	retry     RetryPolicy
	shortfall ShortfallPolicy
	logger    *slog.Logger
	metrics   *metrics.Metrics
	alert     AlertFunc
	now       func() time.Time

	halted atomic.Pointer[ConsistencyError]
}

func NewSupplyLedger(store TxStore, cfg SupplyConfig) *SupplyLedger {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SupplyLedger{
		store:     store,
		retry:     cfg.Retry,
		shortfall: cfg.Shortfall,
		logger:    cfg.Logger.With("component", "supply"),
		metrics:   cfg.Metrics,
		alert:     cfg.Alert,
		now:       cfg.Now,
	}
}

// Bootstrap creates the supply row once. If it already exists the stored
// row is returned unchanged.
func (l *SupplyLedger) Bootstrap(ctx context.Context, initial SupplyState) (SupplyState, error) {
	if detail := initial.CheckInvariant(); detail != "" {
		return SupplyState{}, invalid("supply", "%s", detail)
	}
	if initial.ValuePerPoint.IsNegative() {
		return SupplyState{}, invalid("valuePerPoint", "must not be negative")
	}
	now := l.now().UTC()
	initial.Version = 1
	initial.LastAdjustment = now

	err := l.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateSupply(ctx, initial); err != nil {
			return err
		}
		return s.AppendSupplyLog(ctx, SupplyLogEntry{
			ID:        uuid.NewString(),
			Action:    SupplyBootstrap,
			Amount:    initial.TotalSupply,
			Reason:    "bootstrap",
			After:     figuresOf(initial),
			CreatedAt: now,
		})
	})
	if errors.Is(err, ErrAlreadyExists) {
		return l.State(ctx)
	}
	if err != nil {
		return SupplyState{}, fmt.Errorf("bootstrap supply: %w", err)
	}
	l.logger.Info("supply bootstrapped", "total", initial.TotalSupply, "holding", initial.HoldingSupply)
	l.metrics.ObserveSupply(initial.TotalSupply, initial.CirculatingSupply, initial.HoldingSupply, initial.ReserveSupply)
	return initial, nil
}

// State returns the current supply row, verifying the invariant on read.
func (l *SupplyLedger) State(ctx context.Context) (SupplyState, error) {
	s, err := l.store.GetSupply(ctx)
	if err != nil {
		return SupplyState{}, err
	}
	if detail := s.CheckInvariant(); detail != "" {
		return s, l.haltWith(ctx, "read", detail, s)
	}
	return s, nil
}

// Logs returns the most recent supply log entries, newest first.
func (l *SupplyLedger) Logs(ctx context.Context, limit int) ([]SupplyLogEntry, error) {
	return l.store.ListSupplyLogs(ctx, limit)
}

// IssueMyPts increases total and holding by amount.
func (l *SupplyLedger) IssueMyPts(ctx context.Context, amount int64, reason string, meta Metadata) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "issue", func(d *supplyDraft) error {
		return d.issue(amount, reason, meta)
	})
	return s, err
}

// MoveToCirculation moves amount from holding to circulating.
func (l *SupplyLedger) MoveToCirculation(ctx context.Context, amount int64, reason string) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "move_to_circulation", func(d *supplyDraft) error {
		return d.moveToCirculation(amount, reason, nil)
	})
	return s, err
}

// MoveToHolding moves amount from circulating back to holding.
func (l *SupplyLedger) MoveToHolding(ctx context.Context, amount int64, reason string) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "move_to_holding", func(d *supplyDraft) error {
		return d.moveToHolding(amount, reason, nil)
	})
	return s, err
}

// MoveToReserve moves amount from holding to reserve.
func (l *SupplyLedger) MoveToReserve(ctx context.Context, amount int64, reason string) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "move_to_reserve", func(d *supplyDraft) error {
		return d.moveToReserve(amount, reason)
	})
	return s, err
}

// ReleaseFromReserve moves amount from reserve to holding.
func (l *SupplyLedger) ReleaseFromReserve(ctx context.Context, amount int64, reason string) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "release_from_reserve", func(d *supplyDraft) error {
		return d.releaseFromReserve(amount, reason)
	})
	return s, err
}

// FulfillCredit makes circulating grow by exactly amount, drawing from
// holding first and minting only the shortfall.
func (l *SupplyLedger) FulfillCredit(ctx context.Context, amount int64, reason string, meta Metadata) (Fulfillment, error) {
	var f Fulfillment
	s, _, err := l.mutate(ctx, "fulfill_credit", func(d *supplyDraft) error {
		var err error
		f, err = d.fulfillCredit(amount, reason, meta, l.shortfall)
		return err
	})
	if err != nil {
		return Fulfillment{}, err
	}
	f.State = s
	l.metrics.Minted(f.Minted)
	return f, nil
}

// SetMaxSupply sets or clears (nil) the issuance ceiling.
func (l *SupplyLedger) SetMaxSupply(ctx context.Context, ceiling *int64, reason string) (SupplyState, error) {
	s, _, err := l.mutate(ctx, "set_max_supply", func(d *supplyDraft) error {
		before := d.state
		var amount int64
		if ceiling != nil {
			if *ceiling < d.state.TotalSupply {
				return invalid("maxSupply", "%d is below total supply %d", *ceiling, d.state.TotalSupply)
			}
			v := *ceiling
			d.state.MaxSupply = &v
			amount = v
		} else {
			d.state.MaxSupply = nil
		}
		d.record(SupplySetMaxSupply, amount, reason, nil, before)
		return nil
	})
	return s, err
}

// SetValuePerPoint updates the reference price of one point.
func (l *SupplyLedger) SetValuePerPoint(ctx context.Context, value decimal.Decimal, reason string) (SupplyState, error) {
	if !value.IsPositive() {
		return SupplyState{}, invalid("valuePerPoint", "must be positive")
	}
	s, _, err := l.mutate(ctx, "set_value_per_point", func(d *supplyDraft) error {
		before := d.state
		d.state.ValuePerPoint = value
		d.record(SupplySetValue, 0, reason, Metadata{"valuePerPoint": value.String()}, before)
		return nil
	})
	return s, err
}

// =============================================================================
// HALTING
// =============================================================================

// Halted returns the violation that stopped the ledger, or nil.
func (l *SupplyLedger) Halted() *ConsistencyError {
	return l.halted.Load()
}

// Resume clears a halt after an operator has repaired the row out of band.
// The stored row must satisfy every invariant again.
func (l *SupplyLedger) Resume(ctx context.Context, operator string) error {
	prev := l.halted.Load()
	if prev == nil {
		return nil
	}
	s, err := l.store.GetSupply(ctx)
	if err != nil {
		return err
	}
	if detail := s.CheckInvariant(); detail != "" {
		return &ConsistencyError{Op: "resume", Detail: detail, State: s}
	}
	l.halted.CompareAndSwap(prev, nil)
	l.logger.Warn("supply ledger resumed", "operator", operator, "violation", prev.Detail)
	return nil
}

func (l *SupplyLedger) haltWith(ctx context.Context, op, detail string, s SupplyState) error {
	violation := &ConsistencyError{Op: op, Detail: detail, State: s}
	if l.halted.CompareAndSwap(nil, violation) {
		l.logger.Error("supply invariant violated, halting writes",
			"op", op, "detail", detail,
			"total", s.TotalSupply, "circulating", s.CirculatingSupply,
			"holding", s.HoldingSupply, "reserve", s.ReserveSupply)
		l.metrics.ConsistencyViolation(op)
		if l.alert != nil {
			l.alert(ctx, violation)
		}
	}
	return violation
}

func (l *SupplyLedger) checkHalted() error {
	if v := l.halted.Load(); v != nil {
		return fmt.Errorf("%w: %s", ErrLedgerHalted, v.Detail)
	}
	return nil
}

// =============================================================================
// MUTATION PIPELINE
// =============================================================================

// mutate runs mutateOnce with bounded retry on version conflicts.
func (l *SupplyLedger) mutate(ctx context.Context, op string, fn func(*supplyDraft) error) (SupplyState, *supplyDraft, error) {
	type result struct {
		state SupplyState
		draft *supplyDraft
	}
	r, err := retryOnConflict(ctx, l.retry, func() { l.metrics.Conflict("supply") }, func() (result, error) {
		s, d, err := l.mutateOnce(ctx, op, "", fn, nil)
		return result{s, d}, err
	})
	if err != nil {
		if errors.Is(err, ErrRetryableConflict) {
			l.logger.Warn("supply update gave up after retries", "op", op, "error", err)
		}
		return SupplyState{}, nil, err
	}
	return r.state, r.draft, nil
}

// mutateOnce reads the row, applies fn to a draft, checks the invariant
// and swaps the draft in together with its log entries and whatever
// `also` writes, in one unit. Losing the swap returns ErrVersionConflict.
func (l *SupplyLedger) mutateOnce(
	ctx context.Context,
	op string,
	txID TransactionID,
	fn func(*supplyDraft) error,
	also func(Store) error,
) (SupplyState, *supplyDraft, error) {
	if err := l.checkHalted(); err != nil {
		return SupplyState{}, nil, err
	}
	cur, err := l.State(ctx)
	if err != nil {
		return SupplyState{}, nil, err
	}

	d := &supplyDraft{state: cur, txID: txID, now: l.now().UTC()}
	if err := fn(d); err != nil {
		return SupplyState{}, nil, err
	}
	d.state.Version = cur.Version + 1
	d.state.LastAdjustment = d.now
	if detail := d.state.CheckInvariant(); detail != "" {
		return SupplyState{}, nil, l.haltWith(ctx, op, detail, d.state)
	}

	err = l.store.WithTx(ctx, func(s Store) error {
		if err := s.UpdateSupply(ctx, d.state, cur.Version); err != nil {
			return err
		}
		for _, entry := range d.logs {
			if err := s.AppendSupplyLog(ctx, entry); err != nil {
				return err
			}
		}
		if also != nil {
			return also(s)
		}
		return nil
	})
	if err != nil {
		return SupplyState{}, nil, err
	}

	l.metrics.ObserveSupply(d.state.TotalSupply, d.state.CirculatingSupply, d.state.HoldingSupply, d.state.ReserveSupply)
	l.logger.Debug("supply updated", "op", op, "version", d.state.Version, "entries", len(d.logs))
	return d.state, d, nil
}
