/*
Package ledger provides the loyalty ledger: an append-only history of point,
cashback and stamp movements per tenant, program and customer.

PURPOSE:
  Every reward program (points, cashback, stamps) records its movements here.
  The current balance of a customer is never stored; it is always derived by
  summing the entries of one account. Expiry-aware redemption is computed by
  replaying the same entries as FIFO lots (see lots.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountKey: (tenant, program type, program, customer) - one ledger stream
  - Direction: earn/credit increase the balance, redeem/debit decrease it
  - Entry: an immutable ledger row
  - ProgramType: points, cashback or stamp; decides the unit precision

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only reversed by a new entry
  2. Precision: amounts are decimal.Decimal, never float64
  3. Type safety: distinct ID types so a customer id cannot be passed as a program id
  4. Auditability: manual entries carry the acting user and a reason

USAGE:
  entry := ledger.Entry{
      TenantID:    7,
      ProgramType: ledger.ProgramCashback,
      ProgramID:   3,
      CustomerID:  1042,
      Direction:   ledger.DirectionEarn,
      Amount:      decimal.RequireFromString("12.50"),
      OrderID:     99812,
  }

SEE ALSO:
  - ledger.go: posting entries and reading balances
  - store.go: persistence interface
  - lots.go: FIFO consumption and expiry
*/
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID int64
type CustomerID int64
type ProgramID int64
type UserID int64
type EntryID string

// NewEntryID returns a random entry identifier.
func NewEntryID() EntryID {
	return EntryID(uuid.NewString())
}

// =============================================================================
// PROGRAM TYPE
// =============================================================================

// ProgramType identifies which reward program family an account belongs to.
type ProgramType string

const (
	ProgramPoints   ProgramType = "points"
	ProgramCashback ProgramType = "cashback"
	ProgramStamp    ProgramType = "stamp"
)

func (t ProgramType) Valid() bool {
	switch t {
	case ProgramPoints, ProgramCashback, ProgramStamp:
		return true
	}
	return false
}

// Precision is the number of decimal places amounts of this type carry.
// Cashback is monetary; points and stamps are whole counts.
func (t ProgramType) Precision() int32 {
	if t == ProgramCashback {
		return 2
	}
	return 0
}

// ParseProgramType converts a string to a ProgramType.
func ParseProgramType(s string) (ProgramType, error) {
	t := ProgramType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidProgramType, s)
	}
	return t, nil
}

// =============================================================================
// DIRECTION
// =============================================================================

type Direction string

const (
	DirectionEarn   Direction = "earn"   // automatic, from an order
	DirectionRedeem Direction = "redeem" // automatic, applied to an order
	DirectionCredit Direction = "credit" // manual adjustment
	DirectionDebit  Direction = "debit"  // manual adjustment
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionEarn, DirectionRedeem, DirectionCredit, DirectionDebit:
		return true
	}
	return false
}

// Increases reports whether entries in this direction add to the balance.
func (d Direction) Increases() bool {
	return d == DirectionEarn || d == DirectionCredit
}

// IsManual reports whether the direction is only posted by staff adjustments.
func (d Direction) IsManual() bool {
	return d == DirectionCredit || d == DirectionDebit
}

// Opposite returns the direction that cancels d.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionEarn:
		return DirectionRedeem
	case DirectionRedeem:
		return DirectionEarn
	case DirectionCredit:
		return DirectionDebit
	default:
		return DirectionCredit
	}
}

// =============================================================================
// ACCOUNT KEY
// =============================================================================

// AccountKey identifies one ledger stream. Balance, lots and locking are all
// scoped to a single key.
type AccountKey struct {
	TenantID    TenantID
	ProgramType ProgramType
	ProgramID   ProgramID
	CustomerID  CustomerID
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%d:%s:%d:%d", k.TenantID, k.ProgramType, k.ProgramID, k.CustomerID)
}

// ParseAccountKey is the inverse of AccountKey.String.
func ParseAccountKey(s string) (AccountKey, error) {
	var k AccountKey
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return k, fmt.Errorf("malformed account key %q", s)
	}
	tenant, err1 := strconv.ParseInt(parts[0], 10, 64)
	programID, err2 := strconv.ParseInt(parts[2], 10, 64)
	customerID, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return k, fmt.Errorf("malformed account key %q: %w", s, err)
	}
	t, err := ParseProgramType(parts[1])
	if err != nil {
		return k, err
	}
	return AccountKey{
		TenantID:    TenantID(tenant),
		ProgramType: t,
		ProgramID:   ProgramID(programID),
		CustomerID:  CustomerID(customerID),
	}, nil
}

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

type Entry struct {
	ID          EntryID
	TenantID    TenantID
	ProgramType ProgramType
	ProgramID   ProgramID
	CustomerID  CustomerID
	Direction   Direction

	// Non-negative magnitude; the sign comes from Direction.
	Amount decimal.Decimal

	OrderID        int64   // 0 when not linked to an order
	UserID         UserID  // 0 for system-generated entries
	Note           string  // required for credit/debit
	ReversalOf     EntryID // set on entries that cancel another entry
	IdempotencyKey string

	CreatedAt time.Time

	// Seq is assigned by the store and breaks ties between entries
	// sharing the same CreatedAt.
	Seq int64
}

// Key returns the account the entry belongs to.
func (e Entry) Key() AccountKey {
	return AccountKey{
		TenantID:    e.TenantID,
		ProgramType: e.ProgramType,
		ProgramID:   e.ProgramID,
		CustomerID:  e.CustomerID,
	}
}

// Signed returns the amount with the balance sign applied.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction.Increases() {
		return e.Amount
	}
	return e.Amount.Neg()
}

// Validate checks the invariants every stored entry must satisfy.
func (e Entry) Validate() error {
	if !e.Direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, e.Direction)
	}
	if !e.ProgramType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProgramType, e.ProgramType)
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if p := e.ProgramType.Precision(); !e.Amount.Equal(e.Amount.Round(p)) {
		return fmt.Errorf("%w: %s amounts take at most %d decimals", ErrInvalidAmount, e.ProgramType, p)
	}
	if e.Direction.IsManual() && e.ReversalOf == "" && e.Note == "" {
		return ErrMissingReason
	}
	if e.TenantID == 0 || e.ProgramID == 0 || e.CustomerID == 0 {
		return fmt.Errorf("entry is missing its account key: %s", e.Key())
	}
	return nil
}
