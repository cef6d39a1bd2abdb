package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/ledger/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ledger *ledger.Ledger
	store  *store.TxMemory
	clock  *fakeClock
	ctx    context.Context
}

func fastRetry() ledger.RetryPolicy {
	return ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func supplyOf(total, circulating, holding, reserve int64) ledger.SupplyState {
	return ledger.SupplyState{
		TotalSupply:       total,
		CirculatingSupply: circulating,
		HoldingSupply:     holding,
		ReserveSupply:     reserve,
		ValuePerPoint:     decimal.RequireFromString("0.024"),
	}
}

// newFixture bootstraps a ledger over a fresh memory store.
func newFixture(t *testing.T, initial ledger.SupplyState, tweak ...func(*ledger.Config)) *fixture {
	t.Helper()
	clock := newFakeClock()
	st := store.NewTxMemory()
	cfg := ledger.Config{Retry: fastRetry(), Now: clock.Now}
	for _, fn := range tweak {
		fn(&cfg)
	}
	l := ledger.New(st, cfg)

	ctx := context.Background()
	_, err := l.Supply.Bootstrap(ctx, initial)
	require.NoError(t, err)
	return &fixture{ledger: l, store: st, clock: clock, ctx: ctx}
}

func (f *fixture) supply(t *testing.T) ledger.SupplyState {
	t.Helper()
	s, err := f.store.GetSupply(f.ctx)
	require.NoError(t, err)
	return s
}

func (f *fixture) balance(t *testing.T, id ledger.ProfileID) ledger.ProfileBalance {
	t.Helper()
	b, err := f.ledger.Balances.Get(f.ctx, id)
	require.NoError(t, err)
	return b
}

func (f *fixture) credit(t *testing.T, id ledger.ProfileID, amount int64, ref string) ledger.Transaction {
	t.Helper()
	tx, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID:   id,
		Type:        ledger.TxBuy,
		Amount:      amount,
		ReferenceID: ref,
		Metadata:    ledger.Metadata{ledger.MetaPaymentID: ref},
	})
	require.NoError(t, err)
	return tx
}

func requireConserved(t *testing.T, s ledger.SupplyState) {
	t.Helper()
	require.Equal(t, s.TotalSupply, s.CirculatingSupply+s.HoldingSupply+s.ReserveSupply,
		"circulating + holding + reserve must equal total")
	require.Empty(t, s.CheckInvariant())
}

func alwaysConflict[T any](T) error { return ledger.ErrVersionConflict }
