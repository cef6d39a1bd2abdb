/*
Package payments turns payment-provider webhooks into ledger transactions.

PURPOSE:
  The provider delivers events at least once, possibly out of order. Each
  purchase maps to exactly one BUY transaction keyed by the payment intent
  id, so duplicates and late failures are absorbed by the transaction
  state machine rather than by any webhook-level cache.

EVENT MAPPING:
  payment_intent.succeeded       confirm  external id = intent id
  checkout.session.completed     confirm  external id = session's payment_intent
  payment_intent.payment_failed  fail     external id = intent id
  anything else                  acknowledged and ignored

  Both confirmation events of one purchase carry the same intent id and
  therefore dedupe against each other.

PAYLOAD METADATA:
  profileId:    profile to credit
  pointsAmount: points purchased (string or number)

SEE ALSO:
  - verifier.go: Signature verification
  - reconciler.go: Applying events to the ledger
*/
package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mypts/points-ledger/ledger"
)

// EventType is the provider's event name.
type EventType string

const (
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventPaymentFailed     EventType = "payment_intent.payment_failed"
)

var ErrMalformedEvent = errors.New("malformed payment event")

// Event is a parsed webhook event.
type Event struct {
	ID        string
	Type      EventType
	PaymentID string
	ProfileID ledger.ProfileID
	Points    int64
	// AmountMinor is the charged amount in the currency's minor unit.
	AmountMinor int64
	Currency    string
	Created     time.Time
}

// Price returns the charged amount in major units.
func (e Event) Price() decimal.Decimal {
	return decimal.New(e.AmountMinor, -2)
}

type envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type eventObject struct {
	Object struct {
		ID            string         `json:"id"`
		Object        string         `json:"object"`
		PaymentIntent string         `json:"payment_intent"`
		Amount        int64          `json:"amount"`
		AmountTotal   int64          `json:"amount_total"`
		Currency      string         `json:"currency"`
		Metadata      map[string]any `json:"metadata"`
	} `json:"object"`
}

// ParseEvent decodes a webhook body. Unknown event types parse without
// error and carry only ID and Type.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	ev := Event{ID: env.ID, Type: env.Type, Created: time.Unix(env.Created, 0).UTC()}

	switch env.Type {
	case EventPaymentSucceeded, EventCheckoutCompleted, EventPaymentFailed:
	default:
		return ev, nil
	}

	var data eventObject
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Event{}, fmt.Errorf("%w: data: %v", ErrMalformedEvent, err)
	}
	obj := data.Object

	ev.PaymentID = obj.ID
	ev.AmountMinor = obj.Amount
	if env.Type == EventCheckoutCompleted {
		ev.PaymentID = obj.PaymentIntent
		ev.AmountMinor = obj.AmountTotal
	}
	ev.Currency = strings.ToUpper(obj.Currency)
	if ev.PaymentID == "" {
		return Event{}, fmt.Errorf("%w: %s without payment intent id", ErrMalformedEvent, env.Type)
	}
	if env.Type == EventPaymentFailed {
		return ev, nil
	}

	profile, _ := obj.Metadata["profileId"].(string)
	if profile == "" {
		return Event{}, fmt.Errorf("%w: metadata.profileId is required", ErrMalformedEvent)
	}
	points, err := pointsAmount(obj.Metadata["pointsAmount"])
	if err != nil {
		return Event{}, fmt.Errorf("%w: metadata.pointsAmount: %v", ErrMalformedEvent, err)
	}
	ev.ProfileID = ledger.ProfileID(profile)
	ev.Points = points
	return ev, nil
}

// pointsAmount accepts the provider's string metadata or a JSON number.
func pointsAmount(v any) (int64, error) {
	var (
		n   int64
		err error
	)
	switch t := v.(type) {
	case string:
		n, err = strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("%v is not a whole number", t)
		}
		n = int64(t)
	case nil:
		return 0, errors.New("required")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	if n > ledger.MaxAmount {
		return 0, fmt.Errorf("must not exceed %d, got %d", ledger.MaxAmount, n)
	}
	return n, nil
}
