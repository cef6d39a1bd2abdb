/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Points are integers. Currency values (value per point, market value) are
  decimal strings so no precision is lost in JSON.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleDocument, used as the rule DTO
*/
package api

import (
	"time"

	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/rewards"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a profile balance in API responses.
type BalanceDTO struct {
	ProfileID       string     `json:"profileId"`
	Balance         int64      `json:"balance"`
	LifetimeEarned  int64      `json:"lifetimeEarned"`
	LifetimeSpent   int64      `json:"lifetimeSpent"`
	LastTransaction *time.Time `json:"lastTransaction,omitempty"`
	Value           string     `json:"value"`
}

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID            string          `json:"id"`
	ProfileID     string          `json:"profileId"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balanceAfter"`
	Status        string          `json:"status"`
	ReferenceID   string          `json:"referenceId,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      ledger.Metadata `json:"metadata,omitempty"`
	FailReason    string          `json:"failReason,omitempty"`
	SupplyApplied bool            `json:"supplyApplied"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// TransactionPageDTO is one page of a transaction listing.
type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// SupplyDTO is the public view of the supply singleton.
type SupplyDTO struct {
	TotalSupply       int64     `json:"totalSupply"`
	CirculatingSupply int64     `json:"circulatingSupply"`
	HoldingSupply     int64     `json:"holdingSupply"`
	ReserveSupply     int64     `json:"reserveSupply"`
	MaxSupply         *int64    `json:"maxSupply"`
	ValuePerPoint     string    `json:"valuePerPoint"`
	MarketValue       string    `json:"marketValue"`
	LastAdjustment    time.Time `json:"lastAdjustment"`
	Version           int64     `json:"version"`
	Halted            *HaltDTO  `json:"halted,omitempty"`
}

type HaltDTO struct {
	Operation string `json:"operation"`
	Detail    string `json:"detail"`
}

type SupplyFiguresDTO struct {
	Total       int64 `json:"total"`
	Circulating int64 `json:"circulating"`
	Holding     int64 `json:"holding"`
	Reserve     int64 `json:"reserve"`
}

type SupplyLogDTO struct {
	ID            string           `json:"id"`
	Action        string           `json:"action"`
	Amount        int64            `json:"amount"`
	Reason        string           `json:"reason,omitempty"`
	Metadata      ledger.Metadata  `json:"metadata,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
	Before        SupplyFiguresDTO `json:"before"`
	After         SupplyFiguresDTO `json:"after"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// AuditDTO reports a recomputed balance.
type AuditDTO struct {
	ProfileID      string `json:"profileId"`
	Stored         int64  `json:"stored"`
	Computed       int64  `json:"computed"`
	ComputedEarned int64  `json:"computedEarned"`
	ComputedSpent  int64  `json:"computedSpent"`
	Transactions   int    `json:"transactions"`
	Drift          int64  `json:"drift"`
	Consistent     bool   `json:"consistent"`
}

// AwardDTO is the outcome of an activity report.
type AwardDTO struct {
	Points      int64           `json:"pointsEarned"`
	Reason      string          `json:"reason"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type SweepDTO struct {
	Applied int `json:"applied"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

type PaymentDTO struct {
	Outcome     string          `json:"outcome"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type ActivityRequest struct {
	ActivityType string          `json:"activityType"`
	EventID      string          `json:"eventId,omitempty"`
	Metadata     ledger.Metadata `json:"metadata,omitempty"`
}

// SpendRequest debits a profile. Amount is the positive number of points
// spent.
type SpendRequest struct {
	Amount      int64  `json:"amount"`
	ProductID   string `json:"productId,omitempty"`
	ReferenceID string `json:"referenceId,omitempty"`
	Description string `json:"description,omitempty"`
}

// PurchaseRequest records a checkout that has started but not yet been
// confirmed by the payment provider.
type PurchaseRequest struct {
	PaymentID string `json:"paymentId"`
	Points    int64  `json:"points"`
}

type SupplyAmountRequest struct {
	Amount   int64           `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata ledger.Metadata `json:"metadata,omitempty"`
}

type MaxSupplyRequest struct {
	MaxSupply *int64 `json:"maxSupply"`
	Reason    string `json:"reason"`
}

type ValuePerPointRequest struct {
	ValuePerPoint string `json:"valuePerPoint"`
	Reason        string `json:"reason"`
}

type AdjustmentRequest struct {
	ProfileID   string `json:"profileId"`
	Amount      int64  `json:"amount"`
	AdminID     string `json:"adminId"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"referenceId,omitempty"`
}

type ResumeRequest struct {
	Operator string `json:"operator"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		ProfileID:     string(tx.ProfileID),
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Status:        string(tx.Status),
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		FailReason:    tx.FailReason,
		SupplyApplied: tx.SupplyApplied,
		CreatedAt:     tx.CreatedAt,
		CompletedAt:   tx.CompletedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

func optionalTransactionDTO(tx *ledger.Transaction) *TransactionDTO {
	if tx == nil {
		return nil
	}
	dto := toTransactionDTO(*tx)
	return &dto
}

func toSupplyDTO(s ledger.SupplyState, halted *ledger.ConsistencyError) SupplyDTO {
	dto := SupplyDTO{
		TotalSupply:       s.TotalSupply,
		CirculatingSupply: s.CirculatingSupply,
		HoldingSupply:     s.HoldingSupply,
		ReserveSupply:     s.ReserveSupply,
		MaxSupply:         s.MaxSupply,
		ValuePerPoint:     s.ValuePerPoint.String(),
		MarketValue:       s.MarketValue().StringFixed(2),
		LastAdjustment:    s.LastAdjustment,
		Version:           s.Version,
	}
	if halted != nil {
		dto.Halted = &HaltDTO{Operation: halted.Op, Detail: halted.Detail}
	}
	return dto
}

func toFiguresDTO(f ledger.SupplyFigures) SupplyFiguresDTO {
	return SupplyFiguresDTO{Total: f.Total, Circulating: f.Circulating, Holding: f.Holding, Reserve: f.Reserve}
}

func toSupplyLogDTO(e ledger.SupplyLogEntry) SupplyLogDTO {
	return SupplyLogDTO{
		ID:            e.ID,
		Action:        string(e.Action),
		Amount:        e.Amount,
		Reason:        e.Reason,
		Metadata:      e.Metadata,
		TransactionID: string(e.TransactionID),
		Before:        toFiguresDTO(e.Before),
		After:         toFiguresDTO(e.After),
		CreatedAt:     e.CreatedAt,
	}
}

func toAwardDTO(a rewards.Award) AwardDTO {
	return AwardDTO{Points: a.Points, Reason: a.Reason, Transaction: optionalTransactionDTO(a.Transaction)}
}
