package ledger_test

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/ledger/store"
)

const alice ledger.ProfileID = "profile-alice"

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	log := f.ledger.Transactions

	tests := []struct {
		name string
		req  ledger.CreateRequest
	}{
		{"missing profile", ledger.CreateRequest{Type: ledger.TxEarn, Amount: 5, Metadata: ledger.Metadata{"activityType": "qr_scan"}}},
		{"unknown type", ledger.CreateRequest{ProfileID: alice, Type: "GIFT", Amount: 5}},
		{"credit with negative amount", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxBuy, Amount: -5, Metadata: ledger.Metadata{"paymentId": "p"}}},
		{"debit with positive amount", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxSpend, Amount: 5}},
		{"zero adjustment", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxAdminAdjust, Amount: 0, Metadata: ledger.Metadata{"adminId": "a"}}},
		{"missing required metadata", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxEarn, Amount: 5}},
		{"wrong metadata kind", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxBuy, Amount: 5, Metadata: ledger.Metadata{"paymentId": 42}}},
		{"amount beyond bound", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxBuy, Amount: ledger.MaxAmount + 1, Metadata: ledger.Metadata{"paymentId": "p"}}},
		{"debit beyond bound", ledger.CreateRequest{ProfileID: alice, Type: ledger.TxAdminAdjust, Amount: math.MinInt64, Metadata: ledger.Metadata{"adminId": "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := log.Create(f.ctx, tt.req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestCreate_UnknownMetadataPassesThrough(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))

	tx, created, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice,
		Type:      ledger.TxEarn,
		Amount:    5,
		Metadata:  ledger.Metadata{"activityType": "qr_scan", "scannerVersion": "2.1"},
	})

	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, "2.1", tx.Metadata["scannerVersion"])
}

func TestCreate_IdempotentByReference(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	req := ledger.CreateRequest{
		ProfileID:   alice,
		Type:        ledger.TxBuy,
		Amount:      100,
		ReferenceID: "payment:pi_1",
		Metadata:    ledger.Metadata{"paymentId": "pi_1"},
	}

	first, created, err := f.ledger.Transactions.Create(f.ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.ledger.Transactions.Create(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// WHEN: the first one fails, the reference is free again
	_, err = f.ledger.Transactions.Fail(f.ctx, first.ID, "card declined")
	require.NoError(t, err)

	third, created, err := f.ledger.Transactions.Create(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestComplete_Credit(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))

	tx := f.credit(t, alice, 120, "payment:pi_1")

	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(120), tx.BalanceAfter)
	assert.True(t, tx.SupplyApplied)
	require.NotNil(t, tx.CompletedAt)

	b := f.balance(t, alice)
	assert.Equal(t, int64(120), b.Balance)
	assert.Equal(t, int64(120), b.LifetimeEarned)
	assert.Equal(t, tx.ID, b.LastTransactionID)

	s := f.supply(t)
	assert.Equal(t, int64(120), s.CirculatingSupply)
	assert.Equal(t, int64(880), s.HoldingSupply)
	requireConserved(t, s)
}

func TestComplete_TwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	tx := f.credit(t, alice, 120, "payment:pi_1")

	balanceBefore := f.balance(t, alice)
	supplyBefore := f.supply(t)
	logsBefore, _ := f.ledger.Supply.Logs(f.ctx, 0)

	again, err := f.ledger.Transactions.Complete(f.ctx, tx.ID)

	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)
	assert.Equal(t, ledger.StatusCompleted, again.Status)
	assert.Equal(t, balanceBefore, f.balance(t, alice))
	assert.Equal(t, supplyBefore, f.supply(t))
	logsAfter, _ := f.ledger.Supply.Logs(f.ctx, 0)
	assert.Len(t, logsAfter, len(logsBefore))
}

func TestComplete_DebitMovesBackToHolding(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	f.credit(t, alice, 300, "payment:pi_1")

	tx, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice,
		Type:      ledger.TxSpend,
		Amount:    -120,
		Metadata:  ledger.Metadata{"productId": "sticker-pack"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(180), tx.BalanceAfter)
	b := f.balance(t, alice)
	assert.Equal(t, int64(180), b.Balance)
	assert.Equal(t, int64(300), b.LifetimeEarned)
	assert.Equal(t, int64(120), b.LifetimeSpent)

	s := f.supply(t)
	assert.Equal(t, int64(180), s.CirculatingSupply)
	assert.Equal(t, int64(820), s.HoldingSupply)
	assert.Equal(t, int64(1000), s.TotalSupply)
}

func TestComplete_InsufficientBalanceFailsTransaction(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	f.credit(t, alice, 50, "payment:pi_1")
	supplyBefore := f.supply(t)

	tx, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxSpend, Amount: -51,
	})
	require.NoError(t, err)

	got, err := f.ledger.Transactions.Complete(f.ctx, tx.ID)

	var ibe *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, int64(50), ibe.Available)
	assert.Equal(t, int64(51), ibe.Requested)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "insufficient balance", got.FailReason)
	assert.Equal(t, int64(50), f.balance(t, alice).Balance)
	assert.Equal(t, supplyBefore, f.supply(t))

	// AND: not retried automatically
	_, err = f.ledger.Transactions.Complete(f.ctx, tx.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestComplete_DebitOnUnknownProfile(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))

	_, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: "nobody", Type: ledger.TxSpend, Amount: -1,
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	b := f.balance(t, "nobody")
	assert.Equal(t, int64(0), b.Balance)
	assert.Equal(t, int64(0), b.Version, "no row was created")
}

func TestStateMachine_TerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	completed := f.credit(t, alice, 10, "payment:done")

	_, err := f.ledger.Transactions.Fail(f.ctx, completed.ID, "late failure")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	got, _ := f.ledger.Transactions.Get(f.ctx, completed.ID)
	assert.Equal(t, ledger.StatusCompleted, got.Status)

	pending, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 10, Metadata: ledger.Metadata{"paymentId": "x"},
	})
	require.NoError(t, err)
	failed, err := f.ledger.Transactions.Fail(f.ctx, pending.ID, "declined")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, failed.Status)

	again, err := f.ledger.Transactions.Fail(f.ctx, pending.ID, "declined again")
	require.NoError(t, err)
	assert.Equal(t, "declined", again.FailReason)

	_, err = f.ledger.Transactions.Complete(f.ctx, pending.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.Equal(t, int64(10), f.balance(t, alice).Balance)
}

func TestComplete_SupplyContentionDefersMovement(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))

	// GIVEN: every supply swap loses
	f.store.SetHooks(store.Hooks{BeforeUpdateSupply: alwaysConflict[ledger.SupplyState]})

	tx, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 40, ReferenceID: "payment:pi_9",
		Metadata: ledger.Metadata{"paymentId": "pi_9"},
	})
	require.NoError(t, err)

	// WHEN: completing
	got, err := f.ledger.Transactions.Complete(f.ctx, tx.ID)

	// THEN: caller sees a retryable error, but the status and balance moved together
	assert.ErrorIs(t, err, ledger.ErrRetryableConflict)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.False(t, got.SupplyApplied)
	assert.Equal(t, int64(40), f.balance(t, alice).Balance)
	assert.Equal(t, int64(0), f.supply(t).CirculatingSupply)

	// WHEN: the provider redelivers after contention clears
	f.store.SetHooks(store.Hooks{})
	got, err = f.ledger.Transactions.Complete(f.ctx, tx.ID)

	// THEN: the supply movement lands once, the balance is not credited again
	require.NoError(t, err)
	assert.True(t, got.SupplyApplied)
	assert.Equal(t, int64(40), f.balance(t, alice).Balance)
	assert.Equal(t, int64(40), f.supply(t).CirculatingSupply)

	_, err = f.ledger.Transactions.Complete(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), f.supply(t).CirculatingSupply)
}

func TestComplete_BalanceContentionRollsBackStatus(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	f.credit(t, alice, 10, "payment:seed")

	f.store.SetHooks(store.Hooks{BeforeUpdateBalance: alwaysConflict[ledger.ProfileBalance]})
	tx, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 5, Metadata: ledger.Metadata{"paymentId": "p2"},
	})
	require.NoError(t, err)

	_, err = f.ledger.Transactions.Complete(f.ctx, tx.ID)

	assert.ErrorIs(t, err, ledger.ErrRetryableConflict)
	got, _ := f.ledger.Transactions.Get(f.ctx, tx.ID)
	assert.Equal(t, ledger.StatusPending, got.Status, "status must not move without the balance")
	assert.Equal(t, int64(10), f.balance(t, alice).Balance)
}

func TestComplete_CapPrecheckFailsTransaction(t *testing.T) {
	initial := supplyOf(1000, 950, 50, 0)
	initial.MaxSupply = ptr(1000)
	f := newFixture(t, initial)

	got, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 80, Metadata: ledger.Metadata{"paymentId": "big"},
	})

	assert.ErrorIs(t, err, ledger.ErrSupplyCapExceeded)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, int64(0), f.balance(t, alice).Balance)
	assert.Equal(t, int64(1), f.supply(t).Version)
}

func TestComplete_RejectShortfallFailsTransaction(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 990, 10, 0), func(c *ledger.Config) {
		c.Shortfall = ledger.ShortfallReject
	})

	got, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxEarn, Amount: 11, Metadata: ledger.Metadata{"activityType": "qr_scan"},
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientHolding)
	assert.Equal(t, ledger.StatusFailed, got.Status)
}

func TestComplete_HaltedLedgerRefusesCompletion(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	broken := f.supply(t)
	broken.TotalSupply = 1
	f.store.PutSupply(broken)
	_, err := f.ledger.Supply.State(f.ctx)
	require.ErrorIs(t, err, ledger.ErrInternalConsistency)

	tx, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 5, Metadata: ledger.Metadata{"paymentId": "p"},
	})
	require.NoError(t, err)

	_, err = f.ledger.Transactions.Complete(f.ctx, tx.ID)

	assert.ErrorIs(t, err, ledger.ErrLedgerHalted)
	got, _ := f.ledger.Transactions.Get(f.ctx, tx.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

func TestComplete_ConcurrentReplaysCreditOnce(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0), func(c *ledger.Config) {
		c.Retry = ledger.RetryPolicy{MaxAttempts: 50, InitialInterval: time.Millisecond, MaxInterval: 3 * time.Millisecond}
	})
	tx, _, err := f.ledger.Transactions.Create(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 70, ReferenceID: "payment:pi_c",
		Metadata: ledger.Metadata{"paymentId": "pi_c"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ledger.Transactions.Complete(f.ctx, tx.ID)
		}()
	}
	wg.Wait()

	// a straggler finishes any deferred supply step
	got, err := f.ledger.Transactions.Complete(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.SupplyApplied)
	assert.Equal(t, int64(70), f.balance(t, alice).Balance)
	s := f.supply(t)
	assert.Equal(t, int64(70), s.CirculatingSupply)
	requireConserved(t, s)
}

func TestComplete_ConcurrentProfilesConserve(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 200, 800), func(c *ledger.Config) {
		c.Retry = ledger.RetryPolicy{MaxAttempts: 100, InitialInterval: time.Millisecond, MaxInterval: 3 * time.Millisecond}
	})

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(p, i int) {
				defer wg.Done()
				id := ledger.ProfileID(fmt.Sprintf("profile-%d", p))
				ref := fmt.Sprintf("payment:%d-%d", p, i)
				_, _ = f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
					ProfileID: id, Type: ledger.TxBuy, Amount: 15, ReferenceID: ref,
					Metadata: ledger.Metadata{"paymentId": ref},
				})
			}(p, i)
		}
	}
	wg.Wait()

	// finish anything deferred
	_, err := f.ledger.Transactions.Sweep(f.ctx, ledger.SweepConfig{BatchSize: 100})
	require.NoError(t, err)

	var total int64
	for p := 0; p < 5; p++ {
		b := f.balance(t, ledger.ProfileID(fmt.Sprintf("profile-%d", p)))
		audit, err := f.ledger.Balances.AuditBalance(f.ctx, b.ProfileID)
		require.NoError(t, err)
		assert.True(t, audit.Consistent())
		total += b.Balance
	}
	s := f.supply(t)
	requireConserved(t, s)
	assert.Equal(t, total, s.CirculatingSupply, "circulating equals the sum of balances")
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 0, 1000, 0))
	for i := 0; i < 5; i++ {
		f.credit(t, alice, int64(i+1), fmt.Sprintf("payment:%d", i))
		f.clock.Advance(time.Minute)
	}
	f.credit(t, "someone-else", 1, "payment:other")

	page, total, err := f.ledger.Transactions.List(f.ctx, ledger.TransactionFilter{ProfileID: alice, Limit: 2, Offset: 1})

	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	// newest first
	assert.Equal(t, int64(4), page[0].Amount)
	assert.Equal(t, int64(3), page[1].Amount)

	_, _, err = f.ledger.Transactions.List(f.ctx, ledger.TransactionFilter{Offset: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestPageLimit(t *testing.T) {
	assert.Equal(t, ledger.DefaultPageSize, ledger.PageLimit(0))
	assert.Equal(t, ledger.DefaultPageSize, ledger.PageLimit(-3))
	assert.Equal(t, 7, ledger.PageLimit(7))
	assert.Equal(t, ledger.MaxPageSize, ledger.PageLimit(ledger.MaxPageSize+1))
}

func TestComplete_PrecheckCountsDeferredCredits(t *testing.T) {
	initial := supplyOf(1000, 1000, 0, 0)
	initial.MaxSupply = ptr(1010)
	f := newFixture(t, initial)

	// GIVEN: a 10 point purchase completed but its minting was deferred
	f.store.SetHooks(store.Hooks{BeforeUpdateSupply: alwaysConflict[ledger.SupplyState]})
	first, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxBuy, Amount: 10, ReferenceID: "payment:first",
		Metadata: ledger.Metadata{"paymentId": "first"},
	})
	require.ErrorIs(t, err, ledger.ErrRetryableConflict)
	require.Equal(t, ledger.StatusCompleted, first.Status)
	f.store.SetHooks(store.Hooks{})

	// WHEN: a second purchase wants the same cap headroom
	second, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: "profile-bob", Type: ledger.TxBuy, Amount: 10, ReferenceID: "payment:second",
		Metadata: ledger.Metadata{"paymentId": "second"},
	})

	// THEN: it fails before touching any balance
	assert.ErrorIs(t, err, ledger.ErrSupplyCapExceeded)
	assert.Equal(t, ledger.StatusFailed, second.Status)
	assert.Equal(t, int64(0), f.balance(t, "profile-bob").Balance)

	// AND: the sweep can still mint for the first one
	res, err := f.ledger.Transactions.Sweep(f.ctx, ledger.SweepConfig{})
	require.NoError(t, err)
	assert.Equal(t, ledger.SweepResult{Applied: 1}, res)
	s := f.supply(t)
	assert.Equal(t, int64(1010), s.TotalSupply)
	assert.Equal(t, int64(1010), s.CirculatingSupply)
	got, _ := f.ledger.Transactions.Get(f.ctx, first.ID)
	assert.True(t, got.SupplyApplied)
}

func TestComplete_PrecheckRejectPolicyCountsDeferredCredits(t *testing.T) {
	f := newFixture(t, supplyOf(1000, 985, 15, 0), func(c *ledger.Config) {
		c.Shortfall = ledger.ShortfallReject
	})

	// GIVEN: 10 of the 15 held points are owed to a deferred credit
	f.store.SetHooks(store.Hooks{BeforeUpdateSupply: alwaysConflict[ledger.SupplyState]})
	_, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxEarn, Amount: 10, Metadata: ledger.Metadata{"activityType": "qr_scan"},
	})
	require.ErrorIs(t, err, ledger.ErrRetryableConflict)
	f.store.SetHooks(store.Hooks{})

	// WHEN
	got, err := f.ledger.Transactions.Record(f.ctx, ledger.CreateRequest{
		ProfileID: alice, Type: ledger.TxEarn, Amount: 6, Metadata: ledger.Metadata{"activityType": "qr_scan"},
	})

	// THEN
	var supplyErr *ledger.InsufficientSupplyError
	require.ErrorAs(t, err, &supplyErr)
	assert.Equal(t, int64(5), supplyErr.Available)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, int64(10), f.balance(t, alice).Balance)
}
