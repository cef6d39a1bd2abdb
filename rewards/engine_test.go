package rewards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/ledger/store"
	"github.com/mypts/points-ledger/rewards"
	"github.com/mypts/points-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const bob ledger.ProfileID = "profile-bob"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type harness struct {
	ctx    context.Context
	clock  *fakeClock
	ledger *ledger.Ledger
	engine *rewards.Engine
	store  ledger.TxStore
}

func newHarness(t *testing.T, holding int64, rules ...rewards.Rule) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewTxMemory(), rewards.NewMemoryRules(rules...), holding)
}

func newHarnessOn(t *testing.T, st ledger.TxStore, rs rewards.RuleStore, holding int64) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)}
	l := ledger.New(st, ledger.Config{
		Retry: ledger.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Now:   clock.Now,
	})
	ctx := context.Background()
	_, err := l.Supply.Bootstrap(ctx, ledger.SupplyState{
		TotalSupply:   holding,
		HoldingSupply: holding,
		ValuePerPoint: decimal.RequireFromString("0.024"),
	})
	require.NoError(t, err)

	engine := rewards.NewEngine(rs, l.Transactions, rewards.EngineConfig{Now: clock.Now})
	return &harness{ctx: ctx, clock: clock, ledger: l, engine: engine, store: st}
}

func (h *harness) award(t *testing.T, ev rewards.ActivityEvent) rewards.Award {
	t.Helper()
	a, err := h.engine.Award(h.ctx, ev)
	require.NoError(t, err)
	return a
}

func (h *harness) balance(t *testing.T, id ledger.ProfileID) int64 {
	t.Helper()
	b, err := h.ledger.Balances.Get(h.ctx, id)
	require.NoError(t, err)
	return b.Balance
}

func login(id ledger.ProfileID) rewards.ActivityEvent {
	return rewards.ActivityEvent{ProfileID: id, ActivityType: rewards.ActivityDailyLogin}
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_UnconfiguredAndDisabledEarnNothing(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityProfileShare, PointsRewarded: 5, IsEnabled: false,
	})

	d, err := h.engine.Evaluate(h.ctx, bob, rewards.ActivityDailyLogin)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Points)
	assert.Equal(t, rewards.ReasonUnconfigured, d.Reason)

	d, err = h.engine.Evaluate(h.ctx, bob, rewards.ActivityProfileShare)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Points)
	assert.Equal(t, rewards.ReasonDisabled, d.Reason)
}

func TestEvaluate_DoesNotRecordAnything(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 10, IsEnabled: true,
	})

	d, err := h.engine.Evaluate(h.ctx, bob, rewards.ActivityDailyLogin)

	require.NoError(t, err)
	assert.Equal(t, int64(10), d.Points)
	n, err := h.ledger.Transactions.Count(h.ctx, ledger.TransactionFilter{ProfileID: bob})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// COOLDOWN & DAILY CAP
// =============================================================================

func TestAward_CooldownWindow(t *testing.T) {
	// GIVEN: daily_login pays 10 with a 24h cooldown
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 10,
		CooldownPeriod: 24 * time.Hour, IsEnabled: true,
	})

	first := h.award(t, login(bob))
	assert.Equal(t, int64(10), first.Points)

	// WHEN: the same activity repeats 23h later
	h.clock.Advance(23 * time.Hour)
	second := h.award(t, login(bob))

	// THEN: nothing is earned
	assert.Equal(t, int64(0), second.Points)
	assert.Equal(t, rewards.ReasonCooldown, second.Reason)
	assert.Nil(t, second.Transaction)
	assert.Equal(t, int64(10), h.balance(t, bob))

	// AND: once the window has passed it pays again
	h.clock.Advance(time.Hour)
	third := h.award(t, login(bob))
	assert.Equal(t, int64(10), third.Points)
	assert.Equal(t, int64(20), h.balance(t, bob))
}

func TestAward_CooldownIsPerProfile(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 10,
		CooldownPeriod: 24 * time.Hour, IsEnabled: true,
	})

	h.award(t, login(bob))
	other := h.award(t, login("profile-carol"))

	assert.Equal(t, int64(10), other.Points)
}

func TestAward_DailyCapResetsAtUTCMidnight(t *testing.T) {
	// GIVEN: profile shares pay 5, at most twice a day
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityProfileShare, PointsRewarded: 5,
		MaxRewardsPerDay: 2, IsEnabled: true,
	})
	share := rewards.ActivityEvent{
		ProfileID: bob, ActivityType: rewards.ActivityProfileShare,
		Metadata: ledger.Metadata{"channel": "telegram"},
	}

	// WHEN: three shares in one day
	a1 := h.award(t, share)
	a2 := h.award(t, share)
	a3 := h.award(t, share)

	// THEN: the third is capped
	assert.Equal(t, 1, a1.Slot)
	assert.Equal(t, 2, a2.Slot)
	assert.Equal(t, int64(0), a3.Points)
	assert.Equal(t, rewards.ReasonDailyCap, a3.Reason)
	assert.Equal(t, "reward:profile-bob:profile_share:2025-06-02:1", a1.Transaction.ReferenceID)
	assert.Equal(t, "telegram", a1.Transaction.Metadata.String("channel"))

	// AND: the next UTC day starts fresh
	h.clock.Advance(16 * time.Hour)
	a4 := h.award(t, share)
	assert.Equal(t, int64(5), a4.Points)
	assert.Equal(t, int64(15), h.balance(t, bob))
}

func TestAward_ConcurrentAwardsRespectDailyCap(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 10,
		MaxRewardsPerDay: 3, IsEnabled: true,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.engine.Award(h.ctx, login(bob))
			if !assert.NoError(t, err) {
				return
			}
			if a.Points > 0 {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, awarded)
	assert.Equal(t, int64(30), h.balance(t, bob))
}

// =============================================================================
// IDEMPOTENCY & SUPPLY
// =============================================================================

func TestAward_EventIDIsIdempotent(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityQRScan, PointsRewarded: 25, IsEnabled: true,
	})
	scan := rewards.ActivityEvent{
		ProfileID: bob, ActivityType: rewards.ActivityQRScan, EventID: "scan-42",
		Metadata: ledger.Metadata{"qrCodeId": "qr-1"},
	}

	first := h.award(t, scan)
	replay := h.award(t, scan)

	assert.Equal(t, int64(25), first.Points)
	assert.Equal(t, int64(0), replay.Points)
	assert.Equal(t, rewards.ReasonDuplicate, replay.Reason)
	require.NotNil(t, replay.Transaction)
	assert.Equal(t, first.Transaction.ID, replay.Transaction.ID)
	assert.Equal(t, int64(25), h.balance(t, bob))
	assert.Equal(t, "activity:scan-42", first.Transaction.ReferenceID)
	assert.Equal(t, "qr_scan", first.Transaction.ActivityType())
}

func TestAward_DrawsFromHoldingThenMints(t *testing.T) {
	// GIVEN: only 4 points left in holding
	h := newHarness(t, 4, rewards.Rule{
		ActivityType: rewards.ActivityProfileCompletion, PointsRewarded: 10, IsEnabled: true,
	})

	h.award(t, rewards.ActivityEvent{ProfileID: bob, ActivityType: rewards.ActivityProfileCompletion})

	// THEN: 6 minted, all 10 circulate
	s, err := h.ledger.Supply.State(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.TotalSupply)
	assert.Equal(t, int64(10), s.CirculatingSupply)
	assert.Equal(t, int64(0), s.HoldingSupply)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestAward_RejectsMalformedEvents(t *testing.T) {
	h := newHarness(t, 1000, rewards.Rule{
		ActivityType: rewards.ActivityReferral, PointsRewarded: 50, IsEnabled: true,
	})

	tests := []struct {
		name string
		ev   rewards.ActivityEvent
	}{
		{"missing profile", rewards.ActivityEvent{ActivityType: rewards.ActivityDailyLogin}},
		{"unknown activity", rewards.ActivityEvent{ProfileID: bob, ActivityType: "moonwalk"}},
		{"qr scan without code", rewards.ActivityEvent{ProfileID: bob, ActivityType: rewards.ActivityQRScan}},
		{"self referral", rewards.ActivityEvent{
			ProfileID: bob, ActivityType: rewards.ActivityReferral,
			Metadata: ledger.Metadata{"referredProfileId": string(bob)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Award(h.ctx, tt.ev)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
	assert.Equal(t, int64(0), h.balance(t, bob))
}

func TestSetRule_Validates(t *testing.T) {
	h := newHarness(t, 1000)

	_, err := h.engine.SetRule(h.ctx, rewards.Rule{ActivityType: "moonwalk", PointsRewarded: 1})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = h.engine.SetRule(h.ctx, rewards.Rule{ActivityType: rewards.ActivityDailyLogin, PointsRewarded: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	saved, err := h.engine.SetRule(h.ctx, rewards.Rule{ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 3, IsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), saved.UpdatedAt)

	rules, err := h.engine.Rules(h.ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, int64(3), rules[0].PointsRewarded)
}

func TestActivities_BuiltIns(t *testing.T) {
	assert.Equal(t, []rewards.ActivityType{
		rewards.ActivityDailyLogin, rewards.ActivityProfileCompletion, rewards.ActivityProfileShare,
		rewards.ActivityQRScan, rewards.ActivityReferral,
	}, rewards.Activities())
}

// =============================================================================
// SQLITE
// =============================================================================

func TestAward_OnSQLiteStore(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := newHarnessOn(t, db, db, 100)
	_, err = h.engine.SetRule(h.ctx, rewards.Rule{
		ActivityType: rewards.ActivityDailyLogin, PointsRewarded: 7,
		CooldownPeriod: 24 * time.Hour, IsEnabled: true,
	})
	require.NoError(t, err)

	first := h.award(t, login(bob))
	second := h.award(t, login(bob))

	assert.Equal(t, int64(7), first.Points)
	assert.Equal(t, rewards.ReasonCooldown, second.Reason)
	assert.Equal(t, int64(7), h.balance(t, bob))
}
