package rewards

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mypts/points-ledger/ledger"
)

// ActivityEvent is raised by product features when a profile does
// something rewardable. EventID, when set, makes the award idempotent.
type ActivityEvent struct {
	ProfileID    ledger.ProfileID
	ActivityType ActivityType
	EventID      string
	Metadata     ledger.Metadata
}

// Activity describes one rewardable activity: how its events are
// validated and what it writes into the EARN transaction's metadata.
type Activity struct {
	Type        ActivityType
	Description string
	Validate    func(ev ActivityEvent) error
	Metadata    func(ev ActivityEvent) ledger.Metadata
}

var (
	activitiesMu sync.RWMutex
	activities   = map[ActivityType]Activity{}
)

// RegisterActivity adds or replaces an activity in the registry.
func RegisterActivity(a Activity) {
	activitiesMu.Lock()
	defer activitiesMu.Unlock()
	activities[a.Type] = a
}

func LookupActivity(t ActivityType) (Activity, bool) {
	activitiesMu.RLock()
	defer activitiesMu.RUnlock()
	a, ok := activities[t]
	return a, ok
}

// Activities lists registered activity types in name order.
func Activities() []ActivityType {
	activitiesMu.RLock()
	defer activitiesMu.RUnlock()
	out := make([]ActivityType, 0, len(activities))
	for t := range activities {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// requireString returns a validator demanding a non-empty string under key.
func requireString(key string) func(ActivityEvent) error {
	return func(ev ActivityEvent) error {
		if ev.Metadata.String(key) == "" {
			return &ledger.ValidationError{Field: "metadata." + key, Message: "required"}
		}
		return nil
	}
}

// copyKeys returns a metadata builder carrying the named keys over.
func copyKeys(keys ...string) func(ActivityEvent) ledger.Metadata {
	return func(ev ActivityEvent) ledger.Metadata {
		out := ledger.Metadata{}
		for _, k := range keys {
			if v, ok := ev.Metadata[k]; ok {
				out[k] = v
			}
		}
		return out
	}
}

func init() {
	RegisterActivity(Activity{
		Type:        ActivityDailyLogin,
		Description: "First login of the day",
		Validate:    func(ActivityEvent) error { return nil },
		Metadata:    copyKeys("platform"),
	})
	RegisterActivity(Activity{
		Type:        ActivityQRScan,
		Description: "Profile QR code scanned",
		Validate:    requireString("qrCodeId"),
		Metadata:    copyKeys("qrCodeId", "scannerProfileId"),
	})
	RegisterActivity(Activity{
		Type:        ActivityProfileShare,
		Description: "Profile shared to an external channel",
		Validate:    requireString("channel"),
		Metadata:    copyKeys("channel"),
	})
	RegisterActivity(Activity{
		Type:        ActivityProfileCompletion,
		Description: "Profile completed",
		Validate:    func(ActivityEvent) error { return nil },
		Metadata:    copyKeys("section"),
	})
	RegisterActivity(Activity{
		Type:        ActivityReferral,
		Description: "Referred profile joined",
		Validate: func(ev ActivityEvent) error {
			if err := requireString("referredProfileId")(ev); err != nil {
				return err
			}
			if ledger.ProfileID(ev.Metadata.String("referredProfileId")) == ev.ProfileID {
				return &ledger.ValidationError{Field: "metadata.referredProfileId", Message: fmt.Sprintf("profile %s cannot refer itself", ev.ProfileID)}
			}
			return nil
		},
		Metadata: copyKeys("referredProfileId"),
	})
}
