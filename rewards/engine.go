package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/metrics"
)

// Reasons an award can come back empty.
const (
	ReasonAwarded      = "awarded"
	ReasonUnconfigured = "unconfigured"
	ReasonDisabled     = "disabled"
	ReasonCooldown     = "cooldown"
	ReasonDailyCap     = "daily_cap"
	ReasonDuplicate    = "duplicate"
)

// TransactionRecorder is the slice of the transaction log the engine uses.
type TransactionRecorder interface {
	Create(ctx context.Context, req ledger.CreateRequest) (ledger.Transaction, bool, error)
	Complete(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error)
	GetByReference(ctx context.Context, ref string) (ledger.Transaction, error)
	List(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error)
	Count(ctx context.Context, filter ledger.TransactionFilter) (int, error)
}

// Decision is the outcome of evaluating one activity for one profile.
type Decision struct {
	Points int64
	Reason string
	// Slot is the 1-based index of this award within today's cap, or 0
	// when the rule is uncapped.
	Slot int
}

// Award is the outcome of Award.
type Award struct {
	Decision
	Transaction *ledger.Transaction
}

type EngineConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine evaluates reward rules and records EARN transactions.
type Engine struct {
	rules   RuleStore
	txs     TransactionRecorder
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(rules RuleStore, txs TransactionRecorder, cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		rules:   rules,
		txs:     txs,
		logger:  cfg.Logger.With("component", "rewards"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// =============================================================================
// RULES
// =============================================================================

func (e *Engine) Rules(ctx context.Context) ([]Rule, error) {
	return e.rules.ListRules(ctx)
}

// SetRule validates and stores a rule.
func (e *Engine) SetRule(ctx context.Context, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	rule.UpdatedAt = e.now().UTC()
	if err := e.rules.SaveRule(ctx, rule); err != nil {
		return Rule{}, err
	}
	e.logger.Info("reward rule saved", "activity", rule.ActivityType, "points", rule.PointsRewarded,
		"cooldown", rule.CooldownPeriod, "max_per_day", rule.MaxRewardsPerDay, "enabled", rule.IsEnabled)
	return rule, nil
}

// =============================================================================
// EVALUATE
// =============================================================================

// Evaluate reports how many points the activity would earn right now.
// Zero points is a normal answer; errors mean storage failed.
func (e *Engine) Evaluate(ctx context.Context, profileID ledger.ProfileID, activity ActivityType) (Decision, error) {
	rule, err := e.rules.GetRule(ctx, activity)
	if errors.Is(err, ledger.ErrNotFound) {
		return Decision{Reason: ReasonUnconfigured}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load rule %s: %w", activity, err)
	}
	return e.evaluate(ctx, profileID, rule)
}

func (e *Engine) evaluate(ctx context.Context, profileID ledger.ProfileID, rule Rule) (Decision, error) {
	if !rule.IsEnabled || rule.PointsRewarded == 0 {
		return Decision{Reason: ReasonDisabled}, nil
	}
	now := e.now().UTC()
	base := ledger.TransactionFilter{
		ProfileID:    profileID,
		Types:        []ledger.TransactionType{ledger.TxEarn},
		Statuses:     ledger.NonFailed,
		ActivityType: string(rule.ActivityType),
	}

	if rule.CooldownPeriod > 0 {
		f := base
		f.Limit = 1
		latest, _, err := e.txs.List(ctx, f)
		if err != nil {
			return Decision{}, fmt.Errorf("cooldown lookup: %w", err)
		}
		if len(latest) > 0 && now.Sub(latest[0].CreatedAt) < rule.CooldownPeriod {
			return Decision{Reason: ReasonCooldown}, nil
		}
	}

	slot := 0
	if rule.MaxRewardsPerDay > 0 {
		midnight := now.Truncate(24 * time.Hour)
		f := base
		f.Since = &midnight
		today, err := e.txs.Count(ctx, f)
		if err != nil {
			return Decision{}, fmt.Errorf("daily cap lookup: %w", err)
		}
		if today >= rule.MaxRewardsPerDay {
			return Decision{Reason: ReasonDailyCap}, nil
		}
		slot = today + 1
	}

	return Decision{Points: rule.PointsRewarded, Reason: ReasonAwarded, Slot: slot}, nil
}

// =============================================================================
// AWARD
// =============================================================================

// Award evaluates the event and, when eligible, records and completes an
// EARN transaction for it.
//
// Idempotency: an event with an EventID uses reference activity:<id>, so a
// redelivered event awards nothing. Capped rules without an EventID claim
// a daily slot reference, so concurrent awards cannot exceed the cap.
func (e *Engine) Award(ctx context.Context, ev ActivityEvent) (Award, error) {
	if ev.ProfileID == "" {
		return Award{}, &ledger.ValidationError{Field: "profileId", Message: "required"}
	}
	activity, ok := LookupActivity(ev.ActivityType)
	if !ok {
		return Award{}, &ledger.ValidationError{Field: "activityType", Message: fmt.Sprintf("unknown activity %q", ev.ActivityType)}
	}
	if err := activity.Validate(ev); err != nil {
		return Award{}, err
	}

	if ev.EventID != "" {
		existing, err := e.txs.GetByReference(ctx, activityReference(ev.EventID))
		if err == nil {
			e.metrics.Reward(string(ev.ActivityType), ReasonDuplicate)
			return Award{Decision: Decision{Reason: ReasonDuplicate}, Transaction: &existing}, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return Award{}, err
		}
	}

	rule, err := e.rules.GetRule(ctx, ev.ActivityType)
	if errors.Is(err, ledger.ErrNotFound) {
		e.metrics.Reward(string(ev.ActivityType), ReasonUnconfigured)
		return Award{Decision: Decision{Reason: ReasonUnconfigured}}, nil
	}
	if err != nil {
		return Award{}, fmt.Errorf("load rule %s: %w", ev.ActivityType, err)
	}

	d, err := e.evaluate(ctx, ev.ProfileID, rule)
	if err != nil {
		return Award{}, err
	}
	if d.Points == 0 {
		e.metrics.Reward(string(ev.ActivityType), d.Reason)
		e.logger.Debug("activity not rewarded", "profile", ev.ProfileID, "activity", ev.ActivityType, "reason", d.Reason)
		return Award{Decision: d}, nil
	}

	// Slot references 1..MaxRewardsPerDay bound the day's awards even when
	// evaluations race; a taken slot moves on to the next one.
	var tx ledger.Transaction
	for {
		var created bool
		tx, created, err = e.txs.Create(ctx, e.earnRequest(ev, activity, d))
		if err != nil {
			return Award{}, err
		}
		if created {
			break
		}
		if ev.EventID != "" {
			e.metrics.Reward(string(ev.ActivityType), ReasonDuplicate)
			return Award{Decision: Decision{Reason: ReasonDuplicate}, Transaction: &tx}, nil
		}
		d.Slot++
		if d.Slot > rule.MaxRewardsPerDay {
			e.metrics.Reward(string(ev.ActivityType), ReasonDailyCap)
			return Award{Decision: Decision{Reason: ReasonDailyCap}}, nil
		}
	}

	completed, err := e.txs.Complete(ctx, tx.ID)
	if err != nil {
		if completed.Status != ledger.StatusCompleted {
			e.metrics.Reward(string(ev.ActivityType), "error")
			return Award{}, err
		}
		// balance is credited; the sweep finishes the supply side
		e.logger.Warn("reward supply movement deferred", "transaction", completed.ID, "error", err)
	}
	e.metrics.Reward(string(ev.ActivityType), ReasonAwarded)
	e.logger.Info("activity rewarded", "profile", ev.ProfileID, "activity", ev.ActivityType,
		"points", d.Points, "transaction", completed.ID)
	return Award{Decision: d, Transaction: &completed}, nil
}

func (e *Engine) earnRequest(ev ActivityEvent, activity Activity, d Decision) ledger.CreateRequest {
	meta := activity.Metadata(ev)
	if meta == nil {
		meta = ledger.Metadata{}
	}
	meta[ledger.MetaActivityType] = string(ev.ActivityType)

	var ref string
	switch {
	case ev.EventID != "":
		meta["eventId"] = ev.EventID
		ref = activityReference(ev.EventID)
	case d.Slot > 0:
		ref = slotReference(ev.ProfileID, ev.ActivityType, e.now().UTC(), d.Slot)
	}

	return ledger.CreateRequest{
		ProfileID:   ev.ProfileID,
		Type:        ledger.TxEarn,
		Amount:      d.Points,
		Description: activity.Description,
		Metadata:    meta,
		ReferenceID: ref,
	}
}

func activityReference(eventID string) string {
	return "activity:" + eventID
}

func slotReference(profileID ledger.ProfileID, activity ActivityType, day time.Time, slot int) string {
	return fmt.Sprintf("reward:%s:%s:%s:%d", profileID, activity, day.Format("2006-01-02"), slot)
}
