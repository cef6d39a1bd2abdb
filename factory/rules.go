/*
Package factory converts reward rule documents into rewards.Rule values.

PURPOSE:
  Reward rules are configuration, not code. Operators keep them in a TOML
  or JSON file; the server loads the file at startup and stores the rules,
  after which they can be changed through the admin API.

TOML SCHEMA:
  [[rule]]
  activity_type = "daily_login"
  points_rewarded = 10
  cooldown = "24h"
  max_rewards_per_day = 1
  enabled = true

JSON SCHEMA:
  {
    "rules": [
      {
        "activity_type": "daily_login",
        "points_rewarded": 10,
        "cooldown": "24h",
        "max_rewards_per_day": 1,
        "enabled": true
      }
    ]
  }

DEFAULTS:
  enabled defaults to true; cooldown and max_rewards_per_day default to 0
  (no cooldown, no cap).

USAGE:
  rules, err := factory.LoadRulesFile("rewards.toml")
  for _, r := range rules {
      engine.SetRule(ctx, r)
  }

SEE ALSO:
  - rewards/types.go: Rule definition and validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mypts/points-ledger/rewards"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// RuleDocument is one rule as written in a rules file.
type RuleDocument struct {
	ActivityType     string `json:"activity_type" toml:"activity_type"`
	PointsRewarded   int64  `json:"points_rewarded" toml:"points_rewarded"`
	Cooldown         string `json:"cooldown,omitempty" toml:"cooldown"`
	MaxRewardsPerDay int    `json:"max_rewards_per_day,omitempty" toml:"max_rewards_per_day"`
	Enabled          *bool  `json:"enabled,omitempty" toml:"enabled"`
}

type rulesJSON struct {
	Rules []RuleDocument `json:"rules"`
}

type rulesTOML struct {
	Rule []RuleDocument `toml:"rule"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRulesJSON parses a JSON rules document.
func ParseRulesJSON(data []byte) ([]rewards.Rule, error) {
	var doc rulesJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return convert(doc.Rules)
}

// ParseRulesTOML parses a TOML rules document.
func ParseRulesTOML(data []byte) ([]rewards.Rule, error) {
	var doc rulesTOML
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("invalid TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in rules file: %v", undecoded)
	}
	return convert(doc.Rule)
}

// LoadRulesFile reads a rules file, choosing the parser by extension.
func LoadRulesFile(path string) ([]rewards.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseRulesTOML(data)
	case ".json":
		return ParseRulesJSON(data)
	default:
		return nil, fmt.Errorf("unsupported rules file extension %q", filepath.Ext(path))
	}
}

func convert(docs []RuleDocument) ([]rewards.Rule, error) {
	seen := make(map[rewards.ActivityType]bool, len(docs))
	rules := make([]rewards.Rule, 0, len(docs))
	for i, d := range docs {
		r, err := d.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.ActivityType] {
			return nil, fmt.Errorf("rule %d: duplicate activity %q", i, r.ActivityType)
		}
		seen[r.ActivityType] = true
		rules = append(rules, r)
	}
	return rules, nil
}

// Rule converts and validates a single document entry.
func (d RuleDocument) Rule() (rewards.Rule, error) {
	r := rewards.Rule{
		ActivityType:     rewards.ActivityType(d.ActivityType),
		PointsRewarded:   d.PointsRewarded,
		MaxRewardsPerDay: d.MaxRewardsPerDay,
		IsEnabled:        true,
	}
	if d.Enabled != nil {
		r.IsEnabled = *d.Enabled
	}
	if d.Cooldown != "" {
		cooldown, err := time.ParseDuration(d.Cooldown)
		if err != nil {
			return rewards.Rule{}, fmt.Errorf("invalid cooldown %q: %w", d.Cooldown, err)
		}
		r.CooldownPeriod = cooldown
	}
	if err := r.Validate(); err != nil {
		return rewards.Rule{}, err
	}
	return r, nil
}

// DocumentFor is the inverse of RuleDocument.Rule, used by the API to
// render rules in the same shape operators write them.
func DocumentFor(r rewards.Rule) RuleDocument {
	enabled := r.IsEnabled
	d := RuleDocument{
		ActivityType:     string(r.ActivityType),
		PointsRewarded:   r.PointsRewarded,
		MaxRewardsPerDay: r.MaxRewardsPerDay,
		Enabled:          &enabled,
	}
	if r.CooldownPeriod > 0 {
		d.Cooldown = r.CooldownPeriod.String()
	}
	return d
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultRulesTOML is loaded when no rules file is configured.
const DefaultRulesTOML = `
[[rule]]
activity_type = "daily_login"
points_rewarded = 10
cooldown = "24h"
max_rewards_per_day = 1

[[rule]]
activity_type = "qr_scan"
points_rewarded = 5
max_rewards_per_day = 10

[[rule]]
activity_type = "profile_share"
points_rewarded = 5
cooldown = "1h"
max_rewards_per_day = 5

[[rule]]
activity_type = "profile_completion"
points_rewarded = 100
max_rewards_per_day = 1

[[rule]]
activity_type = "referral"
points_rewarded = 50
`

// DefaultRules parses DefaultRulesTOML.
func DefaultRules() []rewards.Rule {
	rules, err := ParseRulesTOML([]byte(DefaultRulesTOML))
	if err != nil {
		panic(fmt.Sprintf("default rules: %v", err))
	}
	return rules
}
