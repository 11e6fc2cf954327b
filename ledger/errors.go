/*
errors.go - Centralized error types for the loyalty ledger

PURPOSE:
  All error values shared by the ledger, program, membership and rewards
  packages live here so callers can test them with errors.Is regardless of
  which layer produced them.

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any store access
  2. State errors      - rejected after a read, nothing written
  3. Infrastructure    - store failures, wrapped with %w and never exposed verbatim

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAmount      = errors.New("Amount must be > 0")
	ErrMissingReason      = errors.New("Reason is required")
	ErrInvalidDirection   = errors.New("invalid direction")
	ErrInvalidProgramType = errors.New("invalid program type")
	ErrInvalidCustomerID  = errors.New("customer id must be positive")

	// State
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrProgramNotFound     = errors.New("program not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInsufficientBalance = errors.New("Insufficient balance for debit adjustment")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists for the tenant. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a rejected debit.
type InsufficientBalanceError struct {
	Key       AccountKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: available %s, requested %s",
		ErrInsufficientBalance.Error(), e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingReason) ||
		errors.Is(err, ErrInvalidDirection) ||
		errors.Is(err, ErrInvalidProgramType) ||
		errors.Is(err, ErrInvalidCustomerID)
}

// IsNotFound returns true if the error indicates a missing (or foreign-tenant) record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrProgramNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsClientError returns true if the error is caused by the request rather
// than the infrastructure. Client errors are safe to show verbatim.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
