package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
)

func TestBalance_FindOrCreate(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))

	b, err := f.ledger.Balances.FindOrCreate(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
	assert.Equal(t, int64(1), b.Version)

	// second call returns the same row
	again, err := f.ledger.Balances.FindOrCreate(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, b, again)

	_, err = f.ledger.Balances.FindOrCreate(f.ctx, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestBalance_WithDelta(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := ledger.ProfileBalance{ProfileID: alice, Balance: 10, Version: 3}

	next, err := b.WithDelta(-10, "tx-1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next.Balance)
	assert.Equal(t, int64(10), next.LifetimeSpent)
	assert.Equal(t, int64(4), next.Version)
	assert.Equal(t, at, *next.LastTransaction)

	unchanged, err := b.WithDelta(-11, "tx-2", at)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, b, unchanged)
}

func TestBalance_AuditConsistent(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	f.credit(t, alice, 100, "payment:1")
	f.credit(t, alice, 50, "payment:2")
	_, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{ProfileID: alice, Type: ledger.TxSpend, Amount: -30})
	require.NoError(t, err)
	// failed transactions don't count
	_, err = f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{ProfileID: alice, Type: ledger.TxSpend, Amount: -500})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	audit, err := f.ledger.Balances.AuditBalance(f.ctx, alice)

	require.NoError(t, err)
	assert.True(t, audit.Consistent())
	assert.Equal(t, int64(120), audit.Computed)
	assert.Equal(t, int64(150), audit.ComputedEarned)
	assert.Equal(t, int64(30), audit.ComputedSpent)
	assert.Equal(t, 3, audit.Transactions)
}

func TestBalance_AuditReportsDriftWithoutPatching(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	f.credit(t, alice, 100, "payment:1")

	// GIVEN: the row is tampered with directly
	b := f.balance(t, alice)
	tampered := b
	tampered.Balance = 175
	tampered.Version = b.Version + 1
	require.NoError(t, f.store.UpdateBalance(f.ctx, tampered, b.Version))

	audit, err := f.ledger.Balances.AuditBalance(f.ctx, alice)

	require.NoError(t, err)
	assert.False(t, audit.Consistent())
	assert.Equal(t, int64(75), audit.Drift)
	assert.Equal(t, int64(175), f.balance(t, alice).Balance)
}
