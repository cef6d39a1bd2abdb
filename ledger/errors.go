/*
errors.go - Centralized error types for the points ledger

PURPOSE:
  All error types in one place so callers can classify failures with
  errors.Is / errors.As without knowing which component raised them.

ERROR CATEGORIES:
  1. Validation     - Bad input, never retried
  2. Business rules - Insufficient balance/holding/reserve, supply cap
  3. Contention     - RetryableConflict, caller may retry
  4. Consistency    - Global invariant violated, fatal, ledger halts
  5. Store          - Version conflicts and duplicate references (internal)

USAGE:
  if errors.Is(err, ledger.ErrRetryableConflict) {
      // transient; let the provider redeliver
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientBalance is returned when a debit would drive a balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientHolding is returned when holding supply cannot cover a movement.
	ErrInsufficientHolding = errors.New("insufficient holding supply")

	// ErrInsufficientReserve is returned when reserve supply cannot cover a release.
	ErrInsufficientReserve = errors.New("insufficient reserve supply")

	// ErrInsufficientCirculation is returned when circulating supply cannot
	// absorb a movement back to holding.
	ErrInsufficientCirculation = errors.New("insufficient circulating supply")

	// ErrSupplyCapExceeded is returned when issuance would pass the configured max supply.
	ErrSupplyCapExceeded = errors.New("supply cap exceeded")

	// ErrRetryableConflict is returned after bounded retries on concurrent writes.
	ErrRetryableConflict = errors.New("retryable conflict")

	// ErrInternalConsistency is returned when a global invariant does not hold.
	ErrInternalConsistency = errors.New("internal consistency error")

	// ErrLedgerHalted is returned for writes after a consistency error, until an operator resumes.
	ErrLedgerHalted = errors.New("supply ledger halted")

	// ErrNotFound is returned when a transaction, balance or supply row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for state machine moves out of a terminal status.
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrVersionConflict is returned by stores when a compare-and-swap loses.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateReference is returned by stores when a non-FAILED transaction
	// already uses the reference id.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrAlreadyExists is returned by stores when creating a row that exists.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ProfileID ProfileID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.ProfileID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InsufficientSupplyError provides details about a holding or reserve shortage.
type InsufficientSupplyError struct {
	Pool      string // "holding", "reserve" or "circulating"
	Available int64
	Requested int64
}

func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("insufficient %s supply: available %d, requested %d",
		e.Pool, e.Available, e.Requested)
}

func (e *InsufficientSupplyError) Unwrap() error {
	switch e.Pool {
	case "reserve":
		return ErrInsufficientReserve
	case "circulating":
		return ErrInsufficientCirculation
	}
	return ErrInsufficientHolding
}

// SupplyCapError reports an issuance blocked by MaxSupply.
type SupplyCapError struct {
	MaxSupply   int64
	TotalSupply int64
	Requested   int64
}

func (e *SupplyCapError) Error() string {
	return fmt.Sprintf("supply cap exceeded: total %d + %d > max %d",
		e.TotalSupply, e.Requested, e.MaxSupply)
}

func (e *SupplyCapError) Unwrap() error { return ErrSupplyCapExceeded }

// ConsistencyError reports a violated global invariant. Fatal.
type ConsistencyError struct {
	Op     string
	Detail string
	State  SupplyState
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency error during %s: %s (total=%d circulating=%d holding=%d reserve=%d)",
		e.Op, e.Detail, e.State.TotalSupply, e.State.CirculatingSupply, e.State.HoldingSupply, e.State.ReserveSupply)
}

func (e *ConsistencyError) Unwrap() error { return ErrInternalConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryableConflict) || errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientHolding) ||
		errors.Is(err, ErrInsufficientReserve) ||
		errors.Is(err, ErrInsufficientCirculation) ||
		errors.Is(err, ErrSupplyCapExceeded) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
