package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/metrics"
)

// Outcome summarizes what handling an event did.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeFailed    Outcome = "failed"
	OutcomeIgnored   Outcome = "ignored"
)

type Result struct {
	Outcome     Outcome
	Transaction *ledger.Transaction
}

// TransactionLog is the slice of the ledger the reconciler drives.
type TransactionLog interface {
	Create(ctx context.Context, req ledger.CreateRequest) (ledger.Transaction, bool, error)
	Complete(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error)
	Fail(ctx context.Context, id ledger.TransactionID, reason string) (ledger.Transaction, error)
	GetByReference(ctx context.Context, ref string) (ledger.Transaction, error)
}

type Config struct {
	Provider string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Reconciler applies payment events to the ledger exactly once.
type Reconciler struct {
	txs      TransactionLog
	verifier Verifier
	provider string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewReconciler(txs TransactionLog, verifier Verifier, cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Provider == "" {
		cfg.Provider = "stripe"
	}
	return &Reconciler{
		txs:      txs,
		verifier: verifier,
		provider: cfg.Provider,
		logger:   cfg.Logger.With("component", "payments"),
		metrics:  cfg.Metrics,
	}
}

// Reference is the idempotency key for a payment.
func Reference(externalID string) string {
	return "payment:" + externalID
}

// =============================================================================
// WEBHOOK ENTRY POINT
// =============================================================================

// HandleWebhook verifies, parses and applies one raw delivery. Signature
// and parse failures return before touching the ledger.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := r.verifier.Verify(body, signature); err != nil {
		r.metrics.Webhook("unknown", "rejected")
		r.logger.Warn("webhook rejected", "error", err)
		return Result{}, err
	}
	ev, err := ParseEvent(body)
	if err != nil {
		r.metrics.Webhook("unknown", "malformed")
		return Result{}, err
	}
	return r.HandleEvent(ctx, ev)
}

type eventHandler func(r *Reconciler, ctx context.Context, ev Event) (Result, error)

var handlers = map[EventType]eventHandler{
	EventPaymentSucceeded:  confirmEvent,
	EventCheckoutCompleted: confirmEvent,
	EventPaymentFailed: func(r *Reconciler, ctx context.Context, ev Event) (Result, error) {
		return r.HandlePaymentFailed(ctx, ev.PaymentID, string(ev.Type))
	},
}

func confirmEvent(r *Reconciler, ctx context.Context, ev Event) (Result, error) {
	return r.confirm(ctx, ev.PaymentID, ev.ProfileID, ev.Points, ledger.Metadata{
		ledger.MetaEventType:  string(ev.Type),
		ledger.MetaPriceMinor: ev.AmountMinor,
		ledger.MetaCurrency:   ev.Currency,
		"price":               ev.Price().String(),
		"providerEventId":     ev.ID,
	})
}

// HandleEvent dispatches a parsed event. Unknown types are ignored.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	h, ok := handlers[ev.Type]
	if !ok {
		r.metrics.Webhook(string(ev.Type), string(OutcomeIgnored))
		r.logger.Debug("webhook ignored", "event", ev.ID, "type", ev.Type)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	res, err := h(r, ctx, ev)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
	}
	r.metrics.Webhook(string(ev.Type), outcome)
	return res, err
}

// =============================================================================
// OPERATIONS
// =============================================================================

// BeginPayment records a PENDING purchase when checkout starts, so a later
// failure event has something to fail. Idempotent by external id.
func (r *Reconciler) BeginPayment(ctx context.Context, externalID string, profileID ledger.ProfileID, points int64) (Result, error) {
	tx, created, err := r.txs.Create(ctx, r.buyRequest(externalID, profileID, points, nil))
	if err != nil {
		return Result{}, err
	}
	if !created {
		if err := matches(tx, profileID, points); err != nil {
			return Result{}, err
		}
	}
	return Result{Outcome: outcomeOf(tx), Transaction: &tx}, nil
}

// HandlePaymentConfirmed credits points for a confirmed payment. A replay
// of an already COMPLETED payment succeeds without side effects.
func (r *Reconciler) HandlePaymentConfirmed(ctx context.Context, externalID string, profileID ledger.ProfileID, points int64) (Result, error) {
	return r.confirm(ctx, externalID, profileID, points, nil)
}

func (r *Reconciler) confirm(ctx context.Context, externalID string, profileID ledger.ProfileID, points int64, meta ledger.Metadata) (Result, error) {
	if externalID == "" {
		return Result{}, &ledger.ValidationError{Field: "externalId", Message: "required"}
	}

	existing, err := r.txs.GetByReference(ctx, Reference(externalID))
	switch {
	case err == nil:
		if err := matches(existing, profileID, points); err != nil {
			return Result{}, err
		}
		if existing.Status == ledger.StatusCompleted && existing.SupplyApplied {
			r.logger.Info("payment replay", "payment", externalID, "transaction", existing.ID)
			return Result{Outcome: OutcomeReplayed, Transaction: &existing}, nil
		}
	case errors.Is(err, ledger.ErrNotFound):
		existing, _, err = r.txs.Create(ctx, r.buyRequest(externalID, profileID, points, meta))
		if err != nil {
			return Result{}, err
		}
		if err := matches(existing, profileID, points); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, err
	}

	wasCompleted := existing.Status == ledger.StatusCompleted
	tx, err := r.txs.Complete(ctx, existing.ID)
	if err != nil {
		r.logger.Warn("payment completion incomplete", "payment", externalID, "transaction", existing.ID,
			"status", tx.Status, "error", err)
		return Result{Outcome: outcomeOf(tx), Transaction: &tx}, err
	}
	outcome := OutcomeCompleted
	if wasCompleted {
		outcome = OutcomeReplayed
	}
	r.logger.Info("payment confirmed", "payment", externalID, "profile", profileID, "points", points,
		"transaction", tx.ID, "outcome", outcome)
	return Result{Outcome: outcome, Transaction: &tx}, nil
}

// HandlePaymentFailed fails the payment's transaction if it is still
// PENDING. Terminal or unknown payments are left alone.
func (r *Reconciler) HandlePaymentFailed(ctx context.Context, externalID, reason string) (Result, error) {
	if externalID == "" {
		return Result{}, &ledger.ValidationError{Field: "externalId", Message: "required"}
	}
	existing, err := r.txs.GetByReference(ctx, Reference(externalID))
	if errors.Is(err, ledger.ErrNotFound) {
		r.logger.Info("failure for unknown payment", "payment", externalID)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if existing.Status != ledger.StatusPending {
		r.logger.Warn("failure after completion ignored", "payment", externalID, "transaction", existing.ID)
		return Result{Outcome: OutcomeIgnored, Transaction: &existing}, nil
	}

	tx, err := r.txs.Fail(ctx, existing.ID, reason)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// completed concurrently
		return Result{Outcome: OutcomeIgnored, Transaction: &tx}, nil
	}
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("payment failed", "payment", externalID, "transaction", tx.ID, "reason", reason)
	return Result{Outcome: OutcomeFailed, Transaction: &tx}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) buyRequest(externalID string, profileID ledger.ProfileID, points int64, extra ledger.Metadata) ledger.CreateRequest {
	meta := extra.Clone()
	if meta == nil {
		meta = ledger.Metadata{}
	}
	meta[ledger.MetaPaymentID] = externalID
	meta[ledger.MetaProvider] = r.provider
	return ledger.CreateRequest{
		ProfileID:   profileID,
		Type:        ledger.TxBuy,
		Amount:      points,
		Description: fmt.Sprintf("Purchase of %d points", points),
		Metadata:    meta,
		ReferenceID: Reference(externalID),
	}
}

// matches rejects a delivery that reuses a payment id for a different
// profile or amount.
func matches(tx ledger.Transaction, profileID ledger.ProfileID, points int64) error {
	if tx.ProfileID != profileID {
		return &ledger.ValidationError{Field: "profileId",
			Message: fmt.Sprintf("payment %s belongs to %s, not %s", tx.ReferenceID, tx.ProfileID, profileID)}
	}
	if tx.Amount != points {
		return &ledger.ValidationError{Field: "pointsAmount",
			Message: fmt.Sprintf("payment %s is for %d points, not %d", tx.ReferenceID, tx.Amount, points)}
	}
	return nil
}

func outcomeOf(tx ledger.Transaction) Outcome {
	switch tx.Status {
	case ledger.StatusCompleted:
		return OutcomeCompleted
	case ledger.StatusFailed:
		return OutcomeFailed
	}
	return OutcomePending
}
