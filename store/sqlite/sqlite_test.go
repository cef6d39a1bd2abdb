package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/rewards"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func pending(id, ref string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:          ledger.TransactionID(id),
		ProfileID:   "p1",
		Type:        ledger.TxEarn,
		Amount:      10,
		Status:      ledger.StatusPending,
		ReferenceID: ref,
		Metadata:    ledger.Metadata{ledger.MetaActivityType: "daily_login"},
		Version:     1,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// =============================================================================
// SUPPLY
// =============================================================================

func TestSupply_CreateGetCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetSupply(ctx)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	ceiling := int64(5000)
	initial := ledger.SupplyState{
		TotalSupply: 1000, HoldingSupply: 900, ReserveSupply: 100, MaxSupply: &ceiling,
		ValuePerPoint: decimal.RequireFromString("0.024"), LastAdjustment: base, Version: 1,
	}
	require.NoError(t, s.CreateSupply(ctx, initial))
	assert.ErrorIs(t, s.CreateSupply(ctx, initial), ledger.ErrAlreadyExists)

	got, err := s.GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.HoldingSupply)
	require.NotNil(t, got.MaxSupply)
	assert.Equal(t, ceiling, *got.MaxSupply)
	assert.True(t, got.ValuePerPoint.Equal(decimal.RequireFromString("0.024")))
	assert.True(t, got.LastAdjustment.Equal(base))

	next := got
	next.HoldingSupply, next.CirculatingSupply = 800, 100
	next.MaxSupply = nil
	next.Version = 2
	assert.ErrorIs(t, s.UpdateSupply(ctx, next, 7), ledger.ErrVersionConflict)
	require.NoError(t, s.UpdateSupply(ctx, next, 1))

	got, err = s.GetSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Nil(t, got.MaxSupply)
}

func TestSupplyLogs_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, action := range []ledger.SupplyAction{ledger.SupplyBootstrap, ledger.SupplyIssue, ledger.SupplyMoveToCirculation} {
		require.NoError(t, s.AppendSupplyLog(ctx, ledger.SupplyLogEntry{
			ID: string(action), Action: action, Amount: int64(i + 1),
			Metadata:  ledger.Metadata{ledger.MetaAutomatic: true},
			After:     ledger.SupplyFigures{Total: int64(i + 1)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := s.ListSupplyLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, ledger.SupplyMoveToCirculation, logs[0].Action)
	assert.Equal(t, ledger.SupplyIssue, logs[1].Action)
	assert.Equal(t, true, logs[0].Metadata[ledger.MetaAutomatic])

	all, err := s.ListSupplyLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestBalance_CreateAndCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := ledger.ProfileBalance{ProfileID: "p1", Version: 1, CreatedAt: base}
	require.NoError(t, s.CreateBalance(ctx, b))
	assert.ErrorIs(t, s.CreateBalance(ctx, b), ledger.ErrAlreadyExists)

	next, err := b.WithDelta(25, "tx-1", base)
	require.NoError(t, err)
	require.NoError(t, s.UpdateBalance(ctx, next, 1))
	assert.ErrorIs(t, s.UpdateBalance(ctx, next, 1), ledger.ErrVersionConflict)

	missing := next
	missing.ProfileID = "nobody"
	assert.ErrorIs(t, s.UpdateBalance(ctx, missing, 1), ledger.ErrNotFound)

	got, err := s.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Balance)
	assert.Equal(t, int64(25), got.LifetimeEarned)
	assert.Equal(t, ledger.TransactionID("tx-1"), got.LastTransactionID)
	require.NotNil(t, got.LastTransaction)
	assert.True(t, got.LastTransaction.Equal(base))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTransactions_ReferenceUniqueAmongNonFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertTransaction(ctx, pending("t1", "payment:pi_1", base)))
	assert.ErrorIs(t, s.InsertTransaction(ctx, pending("t2", "payment:pi_1", base)), ledger.ErrDuplicateReference)
	assert.ErrorIs(t, s.InsertTransaction(ctx, pending("t1", "other", base)), ledger.ErrAlreadyExists)

	// GIVEN: t1 fails
	t1, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	failed := t1
	failed.Status = ledger.StatusFailed
	failed.FailReason = "card declined"
	failed.Version = 2
	require.NoError(t, s.UpdateTransaction(ctx, failed, 1))

	// THEN: the reference is free again
	_, err = s.FindByReference(ctx, "payment:pi_1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	require.NoError(t, s.InsertTransaction(ctx, pending("t2", "payment:pi_1", base)))

	found, err := s.FindByReference(ctx, "payment:pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("t2"), found.ID)
	assert.Equal(t, "daily_login", found.ActivityType())
}

func TestTransactions_UpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertTransaction(ctx, pending("t1", "", base)))

	cur, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	done := base.Add(time.Second)
	next := cur
	next.Status = ledger.StatusCompleted
	next.BalanceAfter = 10
	next.CompletedAt = &done
	next.SupplyApplied = true
	next.Version = 2
	require.NoError(t, s.UpdateTransaction(ctx, next, 1))
	assert.ErrorIs(t, s.UpdateTransaction(ctx, next, 1), ledger.ErrVersionConflict)

	got, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.True(t, got.SupplyApplied)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	assert.Equal(t, "", got.ReferenceID)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTransactions_FiltersOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, id := range []string{"a", "b", "c", "d"} {
		tx := pending(id, "", base.Add(time.Duration(i)*time.Hour))
		if id == "c" {
			tx.Type = ledger.TxBuy
			tx.Metadata = ledger.Metadata{ledger.MetaPaymentID: "pi"}
		}
		require.NoError(t, s.InsertTransaction(ctx, tx))
	}

	// newest first by default
	got, err := s.ListTransactions(ctx, ledger.TransactionFilter{ProfileID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.TransactionID("d"), got[0].ID)

	got, err = s.ListTransactions(ctx, ledger.TransactionFilter{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.TransactionID("b"), got[0].ID)

	since := base.Add(time.Hour)
	until := base.Add(3 * time.Hour)
	n, err := s.CountTransactions(ctx, ledger.TransactionFilter{
		ActivityType: "daily_login",
		Since:        &since,
		Until:        &until,
		Statuses:     ledger.NonFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n) // b; c is not an activity and d is past until

	applied := false
	n, err = s.CountTransactions(ctx, ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxBuy}, SupplyApplied: &applied,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// WITHTX
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(unit ledger.Store) error {
		if err := unit.InsertTransaction(ctx, pending("t1", "ref", base)); err != nil {
			return err
		}
		if _, err := unit.GetTransaction(ctx, "t1"); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetTransaction(ctx, "t1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_ScenarioAOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s, ledger.Config{})

	_, err := l.Supply.Bootstrap(ctx, ledger.SupplyState{
		TotalSupply: 1_000_000_000, CirculatingSupply: 850_000_000, HoldingSupply: 150_000_000,
		ValuePerPoint: decimal.RequireFromString("0.024"),
	})
	require.NoError(t, err)

	tx, err := l.Transactions.Record(ctx, ledger.CreateRequest{
		ProfileID: "whale", Type: ledger.TxBuy, Amount: 200_000_000, ReferenceID: "payment:pi_big",
		Metadata: ledger.Metadata{ledger.MetaPaymentID: "pi_big"},
	})
	require.NoError(t, err)
	assert.True(t, tx.SupplyApplied)

	st, err := l.Supply.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_050_000_000), st.TotalSupply)
	assert.Equal(t, int64(0), st.HoldingSupply)
	assert.Equal(t, int64(1_050_000_000), st.CirculatingSupply)

	logs, err := l.Supply.Logs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 4) // bootstrap, move, automatic issue, move
}

// =============================================================================
// REWARD RULES
// =============================================================================

func TestRewardRules_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetRule(ctx, rewards.ActivityDailyLogin)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	rule := rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 10,
		CooldownPeriod: 24 * time.Hour, MaxRewardsPerDay: 1, IsEnabled: true, UpdatedAt: base,
	}
	require.NoError(t, s.SaveRule(ctx, rule))
	rule.PointsRewarded = 15
	require.NoError(t, s.SaveRule(ctx, rule))

	got, err := s.GetRule(ctx, rewards.ActivityDailyLogin)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.PointsRewarded)
	assert.Equal(t, 24*time.Hour, got.CooldownPeriod)
	assert.True(t, got.IsEnabled)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, s.DeleteRule(ctx, rewards.ActivityDailyLogin))
	assert.ErrorIs(t, s.DeleteRule(ctx, rewards.ActivityDailyLogin), ledger.ErrNotFound)
}
