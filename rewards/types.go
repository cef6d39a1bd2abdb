/*
Package rewards grants points for product activity.

PURPOSE:
  Logins, QR scans, profile shares and the like earn points according to a
  configurable RewardRule per activity. The engine decides eligibility
  (enabled, cooldown, daily cap) and records an EARN transaction through
  the ledger, which draws the points from holding supply and mints only a
  shortfall, exactly like a purchase.

RULES:
  ActivityType:     which activity the rule governs
  PointsRewarded:   points granted per eligible event
  CooldownPeriod:   minimum gap between two rewards of the same activity
  MaxRewardsPerDay: cap per profile per UTC day (0 = unlimited)
  IsEnabled:        disabled rules award nothing

INELIGIBILITY IS NOT AN ERROR:
  Evaluate and Award return zero points with a reason. Errors are reserved
  for storage failures and malformed events.

SEE ALSO:
  - activities.go: Built-in activity registry
  - engine.go: Evaluate and Award
  - factory/rules.go: Loading rules from JSON or TOML
*/
package rewards

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mypts/points-ledger/ledger"
)

// ActivityType names a rewardable product activity.
type ActivityType string

const (
	ActivityDailyLogin        ActivityType = "daily_login"
	ActivityQRScan            ActivityType = "qr_scan"
	ActivityProfileShare      ActivityType = "profile_share"
	ActivityProfileCompletion ActivityType = "profile_completion"
	ActivityReferral          ActivityType = "referral"
)

// =============================================================================
// REWARD RULE
// =============================================================================

type Rule struct {
	ActivityType     ActivityType  `json:"activityType"`
	PointsRewarded   int64         `json:"pointsRewarded"`
	CooldownPeriod   time.Duration `json:"cooldownPeriod"`
	MaxRewardsPerDay int           `json:"maxRewardsPerDay"`
	IsEnabled        bool          `json:"isEnabled"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Validate checks a rule before it is stored.
func (r Rule) Validate() error {
	if _, ok := LookupActivity(r.ActivityType); !ok {
		return &ledger.ValidationError{Field: "activityType", Message: fmt.Sprintf("unknown activity %q", r.ActivityType)}
	}
	if r.PointsRewarded < 0 {
		return &ledger.ValidationError{Field: "pointsRewarded", Message: "must not be negative"}
	}
	if r.CooldownPeriod < 0 {
		return &ledger.ValidationError{Field: "cooldownPeriod", Message: "must not be negative"}
	}
	if r.MaxRewardsPerDay < 0 {
		return &ledger.ValidationError{Field: "maxRewardsPerDay", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore persists reward rules. GetRule returns ledger.ErrNotFound for
// an unconfigured activity.
type RuleStore interface {
	GetRule(ctx context.Context, activity ActivityType) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	SaveRule(ctx context.Context, rule Rule) error
	DeleteRule(ctx context.Context, activity ActivityType) error
}

// MemoryRules is an in-memory RuleStore.
type MemoryRules struct {
	mu    sync.RWMutex
	rules map[ActivityType]Rule
}

func NewMemoryRules(rules ...Rule) *MemoryRules {
	m := &MemoryRules{rules: make(map[ActivityType]Rule, len(rules))}
	for _, r := range rules {
		m.rules[r.ActivityType] = r
	}
	return m
}

func (m *MemoryRules) GetRule(_ context.Context, activity ActivityType) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[activity]
	if !ok {
		return Rule{}, ledger.ErrNotFound
	}
	return r, nil
}

func (m *MemoryRules) ListRules(_ context.Context) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityType < out[j].ActivityType })
	return out, nil
}

func (m *MemoryRules) SaveRule(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ActivityType] = rule
	return nil
}

func (m *MemoryRules) DeleteRule(_ context.Context, activity ActivityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[activity]; !ok {
		return ledger.ErrNotFound
	}
	delete(m.rules, activity)
	return nil
}

var _ RuleStore = (*MemoryRules)(nil)
