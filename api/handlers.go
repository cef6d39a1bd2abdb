/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger, reward engine and payment reconciler via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Profiles:
    GET    /api/profiles/{id}/balance        Balance and lifetime counters
    GET    /api/profiles/{id}/transactions   Transaction history (filtered, paged)
    GET    /api/profiles/{id}/audit          Recompute balance from transactions
    POST   /api/profiles/{id}/activities     Report a rewardable activity
    POST   /api/profiles/{id}/spend          Spend points
    POST   /api/profiles/{id}/purchases      Record a started checkout

  Transactions:
    GET    /api/transactions/{id}            Single transaction

  Supply:
    GET    /api/supply                       Supply figures
    GET    /api/supply/logs                  Supply mutation log

  Admin:
    POST   /api/admin/supply/issue           Mint into holding
    POST   /api/admin/supply/reserve         Holding -> reserve
    POST   /api/admin/supply/release         Reserve -> holding
    POST   /api/admin/supply/max-supply      Set or clear the ceiling
    POST   /api/admin/supply/value           Set value per point
    POST   /api/admin/adjustments            ADMIN_ADJUST a profile
    POST   /api/admin/sweep                  Run the reconciliation sweep
    POST   /api/admin/resume                 Clear a consistency halt

  Rewards:
    GET    /api/rewards/rules                List rules
    PUT    /api/rewards/rules                Upsert rules

  Webhooks:
    POST   /api/webhooks/payments            Signed payment provider events

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, malformed payloads
  - 401: Bad webhook signature
  - 404: Resource not found
  - 409: Invalid state transition
  - 422: Insufficient balance/supply, supply cap
  - 503: Contention or halted ledger; safe to retry
  - 500: Internal errors, consistency violations

SECURITY NOTE:
  Admin routes carry no authentication here; deploy them behind the
  platform's auth proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mypts/points-ledger/factory"
	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/payments"
	"github.com/mypts/points-ledger/rewards"
)

const (
	maxBodyBytes    = 1 << 20
	signatureHeader = "Stripe-Signature"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Ledger
	Rewards  *rewards.Engine
	Payments *payments.Reconciler
	Sweep    ledger.SweepConfig
	Logger   *slog.Logger
}

func NewHandler(l *ledger.Ledger, engine *rewards.Engine, rec *payments.Reconciler, sweep ledger.SweepConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:   l,
		Rewards:  engine,
		Payments: rec,
		Sweep:    sweep,
		Logger:   logger.With("component", "api"),
	}
}

// =============================================================================
// PROFILE HANDLERS
// =============================================================================

// GetBalance returns a profile's balance. Unknown profiles have a zero
// balance, not a 404.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfileID(chi.URLParam(r, "id"))
	b, err := h.Ledger.Balances.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	supply, err := h.Ledger.Supply.State(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		ProfileID:       string(b.ProfileID),
		Balance:         b.Balance,
		LifetimeEarned:  b.LifetimeEarned,
		LifetimeSpent:   b.LifetimeSpent,
		LastTransaction: b.LastTransaction,
		Value:           supply.ValuePerPoint.Mul(decimal.NewFromInt(b.Balance)).StringFixed(2),
	})
}

// ListTransactions returns a page of a profile's history.
//
// Query: type, status (comma separated), activityType, since, until
// (RFC 3339), limit, offset, order=asc.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.ProfileID = ledger.ProfileID(chi.URLParam(r, "id"))

	txs, total, err := h.Ledger.Transactions.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(txs),
		Total:        total,
		Limit:        ledger.PageLimit(filter.Limit),
		Offset:       filter.Offset,
	})
}

func (h *Handler) AuditBalance(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Ledger.Balances.AuditBalance(r.Context(), ledger.ProfileID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		ProfileID:      string(audit.ProfileID),
		Stored:         audit.Stored.Balance,
		Computed:       audit.Computed,
		ComputedEarned: audit.ComputedEarned,
		ComputedSpent:  audit.ComputedSpent,
		Transactions:   audit.Transactions,
		Drift:          audit.Drift,
		Consistent:     audit.Consistent(),
	})
}

// ReportActivity evaluates an activity and awards points when eligible.
// Ineligible activities return 200 with pointsEarned = 0.
func (h *Handler) ReportActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !decode(w, r, &req) {
		return
	}
	award, err := h.Rewards.Award(r.Context(), rewards.ActivityEvent{
		ProfileID:    ledger.ProfileID(chi.URLParam(r, "id")),
		ActivityType: rewards.ActivityType(req.ActivityType),
		EventID:      req.EventID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardDTO(award))
}

// Spend debits points from a profile.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		h.fail(w, r, &ledger.ValidationError{Field: "amount", Message: "must be positive"})
		return
	}
	meta := ledger.Metadata{}
	if req.ProductID != "" {
		meta[ledger.MetaProductID] = req.ProductID
	}
	tx, err := h.Ledger.Transactions.Record(r.Context(), ledger.CreateRequest{
		ProfileID:   ledger.ProfileID(chi.URLParam(r, "id")),
		Type:        ledger.TxSpend,
		Amount:      -req.Amount,
		Description: req.Description,
		Metadata:    meta,
		ReferenceID: req.ReferenceID,
	})
	if err != nil && !deferredSupply(tx, err) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// BeginPurchase records a PENDING BUY for a checkout the provider will
// confirm or fail by webhook.
func (h *Handler) BeginPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Payments.BeginPayment(r.Context(), req.PaymentID, ledger.ProfileID(chi.URLParam(r, "id")), req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentDTO{Outcome: string(res.Outcome), Transaction: optionalTransactionDTO(res.Transaction)})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Transactions.Get(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// SUPPLY HANDLERS
// =============================================================================

func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	s, err := h.Ledger.Supply.State(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSupplyDTO(s, h.Ledger.Supply.Halted()))
}

func (h *Handler) ListSupplyLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logs, err := h.Ledger.Supply.Logs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SupplyLogDTO, len(logs))
	for i, e := range logs {
		out[i] = toSupplyLogDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) IssueSupply(w http.ResponseWriter, r *http.Request) {
	var req SupplyAmountRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSupply(w, r)(h.Ledger.Supply.IssueMyPts(r.Context(), req.Amount, req.Reason, req.Metadata))
}

func (h *Handler) MoveToReserve(w http.ResponseWriter, r *http.Request) {
	var req SupplyAmountRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSupply(w, r)(h.Ledger.Supply.MoveToReserve(r.Context(), req.Amount, req.Reason))
}

func (h *Handler) ReleaseFromReserve(w http.ResponseWriter, r *http.Request) {
	var req SupplyAmountRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSupply(w, r)(h.Ledger.Supply.ReleaseFromReserve(r.Context(), req.Amount, req.Reason))
}

func (h *Handler) SetMaxSupply(w http.ResponseWriter, r *http.Request) {
	var req MaxSupplyRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSupply(w, r)(h.Ledger.Supply.SetMaxSupply(r.Context(), req.MaxSupply, req.Reason))
}

func (h *Handler) SetValuePerPoint(w http.ResponseWriter, r *http.Request) {
	var req ValuePerPointRequest
	if !decode(w, r, &req) {
		return
	}
	value, err := decimal.NewFromString(req.ValuePerPoint)
	if err != nil {
		h.fail(w, r, &ledger.ValidationError{Field: "valuePerPoint", Message: "not a decimal number"})
		return
	}
	h.writeSupply(w, r)(h.Ledger.Supply.SetValuePerPoint(r.Context(), value, req.Reason))
}

func (h *Handler) writeSupply(w http.ResponseWriter, r *http.Request) func(ledger.SupplyState, error) {
	return func(s ledger.SupplyState, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSupplyDTO(s, h.Ledger.Supply.Halted()))
	}
}

// CreateAdjustment records an ADMIN_ADJUST transaction. Positive amounts
// credit through holding like any other credit; negative amounts debit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	meta := ledger.Metadata{}
	if req.AdminID != "" {
		meta[ledger.MetaAdminID] = req.AdminID
	}
	tx, err := h.Ledger.Transactions.Record(r.Context(), ledger.CreateRequest{
		ProfileID:   ledger.ProfileID(req.ProfileID),
		Type:        ledger.TxAdminAdjust,
		Amount:      req.Amount,
		Description: req.Reason,
		Metadata:    meta,
		ReferenceID: req.ReferenceID,
	})
	if err != nil && !deferredSupply(tx, err) {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("admin adjustment", "profile", req.ProfileID, "amount", req.Amount, "admin", req.AdminID, "transaction", tx.ID)
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.Transactions.Sweep(r.Context(), h.Sweep)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Applied: res.Applied, Expired: res.Expired, Errors: res.Errors})
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Operator) == "" {
		h.fail(w, r, &ledger.ValidationError{Field: "operator", Message: "required"})
		return
	}
	if err := h.Ledger.Supply.Resume(r.Context(), req.Operator); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetSupply(w, r)
}

// =============================================================================
// REWARD RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rewards.Rules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	docs := make([]factory.RuleDocument, len(rules))
	for i, rule := range rules {
		docs[i] = factory.DocumentFor(rule)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": docs})
}

// PutRules upserts every rule in a {"rules": [...]} document.
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rules, err := factory.ParseRulesJSON(body)
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			h.fail(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid rules document", err)
		return
	}
	for _, rule := range rules {
		if _, err := h.Rewards.SetRule(r.Context(), rule); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.ListRules(w, r)
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// PaymentWebhook applies one provider delivery. Any 2xx tells the provider
// to stop retrying, so contention maps to 503.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Payments.HandleWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case err != nil && res.Transaction != nil && deferredSupply(*res.Transaction, err):
		// points are credited; a provider retry would only replay
		h.Logger.Warn("payment credited, supply movement deferred",
			"transaction", res.Transaction.ID, "error", err)
	case err != nil:
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentDTO{Outcome: string(res.Outcome), Transaction: optionalTransactionDTO(res.Transaction)})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if halted := h.Ledger.Supply.Halted(); halted != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "detail": halted.Detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps ledger, reward and payment errors to HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: verr.Message, Field: verr.Field})
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, payments.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, payments.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid state transition", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusUnprocessableEntity, "Request cannot be fulfilled", err)
	case ledger.IsRetryable(err), errors.Is(err, ledger.ErrLedgerHalted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable", err)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// deferredSupply reports whether err only means the supply movement of a
// COMPLETED transaction was left for the sweep or an operator. The balance
// change has landed either way.
func deferredSupply(tx ledger.Transaction, err error) bool {
	return tx.Status == ledger.StatusCompleted &&
		(ledger.IsRetryable(err) || errors.Is(err, ledger.ErrLedgerHalted) || errors.Is(err, ledger.ErrInternalConsistency))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ledger.ValidationError{Field: key, Message: "must be an integer"}
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &ledger.ValidationError{Field: key, Message: "must be RFC 3339"}
	}
	return &t, nil
}

func parseFilter(r *http.Request) (ledger.TransactionFilter, error) {
	var (
		f   ledger.TransactionFilter
		err error
	)
	q := r.URL.Query()
	for _, t := range splitList(q.Get("type")) {
		f.Types = append(f.Types, ledger.TransactionType(strings.ToUpper(t)))
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.TransactionStatus(strings.ToUpper(s)))
	}
	f.ActivityType = q.Get("activityType")
	f.Ascending = strings.EqualFold(q.Get("order"), "asc")
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", ledger.DefaultPageSize); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
