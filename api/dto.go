/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP API. Domain types with stable
  JSON tags (program.Program, membership.Customer, program.Evaluation) are
  returned as-is; ledger types get a DTO so amounts are decimal strings and
  optional fields are omitted.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Struct tags (go-playground/validator) check shape only: ids present and
  positive, enums spelled right. Business rules (amount > 0, reason
  required, ladder rules) stay in the services so their messages reach the
  client verbatim.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Response wraps every API response.
type Response struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type SaveProgramRequest struct {
	Type       string                `json:"type" validate:"required,oneof=points cashback stamp"`
	Name       string                `json:"name" validate:"max=120"`
	Status     string                `json:"status" validate:"omitempty,oneof=active paused inactive"`
	StartAt    *time.Time            `json:"start_at"`
	EndAt      *time.Time            `json:"end_at"`
	EarnRule   program.EarnRuleInput `json:"earn_rule"`
	RedeemRule json.RawMessage       `json:"redeem_rule,omitempty"`
}

func (r SaveProgramRequest) toInput(id ledger.ProgramID) program.SaveInput {
	return program.SaveInput{
		ID:         id,
		Type:       ledger.ProgramType(r.Type),
		Name:       r.Name,
		Status:     program.Status(r.Status),
		StartAt:    r.StartAt,
		EndAt:      r.EndAt,
		EarnRule:   r.EarnRule,
		RedeemRule: r.RedeemRule,
	}
}

type SaveCustomerRequest struct {
	Name             string `json:"name" validate:"max=200"`
	DiscountSchemeID *int64 `json:"discount_scheme_id" validate:"omitempty,gt=0"`
}

type AdjustmentRequest struct {
	CustomerID  int64           `json:"customer_id" validate:"required,gt=0"`
	ProgramType string          `json:"program_type" validate:"required"`
	ProgramID   int64           `json:"program_id" validate:"required,gt=0"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
}

type ReversalRequest struct {
	Reason string `json:"reason"`
}

// OrderRequest drives evaluate and award. program_id 0 selects the program
// of program_type that is live now.
type OrderRequest struct {
	CustomerID  int64           `json:"customer_id" validate:"required,gt=0"`
	ProgramType string          `json:"program_type" validate:"required"`
	ProgramID   int64           `json:"program_id" validate:"gte=0"`
	OrderID     int64           `json:"order_id" validate:"gte=0"`
	Visit       int             `json:"visit" validate:"gte=0"`
	Channel     string          `json:"channel" validate:"omitempty,oneof=pos online"`
	Aggregator  bool            `json:"aggregator"`
	Discounted  bool            `json:"discounted"`
	OrderBasis  decimal.Decimal `json:"order_basis"`
}

func (r OrderRequest) toInput() rewards.OrderInput {
	ch := program.Channel(r.Channel)
	if ch == "" {
		ch = program.ChannelPOS
	}
	return rewards.OrderInput{
		CustomerID:  ledger.CustomerID(r.CustomerID),
		ProgramType: ledger.ProgramType(r.ProgramType),
		ProgramID:   ledger.ProgramID(r.ProgramID),
		OrderID:     r.OrderID,
		Visit:       r.Visit,
		Channel:     ch,
		Aggregator:  r.Aggregator,
		Discounted:  r.Discounted,
		OrderBasis:  r.OrderBasis,
	}
}

type RedeemRequest struct {
	CustomerID  int64           `json:"customer_id" validate:"required,gt=0"`
	ProgramType string          `json:"program_type" validate:"required"`
	ProgramID   int64           `json:"program_id" validate:"required,gt=0"`
	OrderID     int64           `json:"order_id" validate:"gte=0"`
	Visit       int             `json:"visit" validate:"gte=0"`
	Amount      decimal.Decimal `json:"amount"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type EntryDTO struct {
	ID             string    `json:"id"`
	ProgramType    string    `json:"program_type"`
	ProgramID      int64     `json:"program_id"`
	CustomerID     int64     `json:"customer_id"`
	Direction      string    `json:"direction"`
	Amount         string    `json:"amount"`
	OrderID        int64     `json:"order_id,omitempty"`
	UserID         int64     `json:"user_id,omitempty"`
	Note           string    `json:"note,omitempty"`
	ReversalOf     string    `json:"reversal_of,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		ProgramType:    string(e.ProgramType),
		ProgramID:      int64(e.ProgramID),
		CustomerID:     int64(e.CustomerID),
		Direction:      string(e.Direction),
		Amount:         e.Amount.String(),
		OrderID:        e.OrderID,
		UserID:         int64(e.UserID),
		Note:           e.Note,
		ReversalOf:     string(e.ReversalOf),
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

// BalanceDTO is the balance of one account. Redeemable, Expired and
// NextExpiry are only set where the lots were replayed.
type BalanceDTO struct {
	ProgramType string     `json:"program_type"`
	ProgramID   int64      `json:"program_id"`
	CustomerID  int64      `json:"customer_id"`
	Balance     string     `json:"balance"`
	Earned      string     `json:"earned"`
	Redeemed    string     `json:"redeemed"`
	Credited    string     `json:"credited"`
	Debited     string     `json:"debited"`
	Redeemable  string     `json:"redeemable,omitempty"`
	Expired     string     `json:"expired,omitempty"`
	NextExpiry  *time.Time `json:"next_expiry,omitempty"`
	Entries     int        `json:"entries"`
	AsOf        *time.Time `json:"as_of,omitempty"`
	Cached      bool       `json:"cached,omitempty"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		ProgramType: string(b.Key.ProgramType),
		ProgramID:   int64(b.Key.ProgramID),
		CustomerID:  int64(b.Key.CustomerID),
		Balance:     b.Current().String(),
		Earned:      b.Earned.String(),
		Redeemed:    b.Redeemed.String(),
		Credited:    b.Credited.String(),
		Debited:     b.Debited.String(),
		Entries:     b.Entries,
	}
	if !b.AsOf.IsZero() {
		asOf := b.AsOf
		dto.AsOf = &asOf
	}
	return dto
}

func toSummaryDTO(s rewards.Summary) BalanceDTO {
	dto := toBalanceDTO(s.Balance)
	dto.Redeemable = s.Redeemable.String()
	dto.Expired = s.Expired.String()
	dto.NextExpiry = s.NextExpiry
	return dto
}

type EnrollmentDTO struct {
	CustomerID int64  `json:"customer_id"`
	Enrolled   bool   `json:"enrolled"`
	MemberNo   string `json:"member_no,omitempty"`
}

type ReversalDTO struct {
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

type OutcomeDTO struct {
	ProgramID      int64              `json:"program_id"`
	Enrolled       bool               `json:"enrolled"`
	Evaluation     program.Evaluation `json:"evaluation"`
	Entry          *EntryDTO          `json:"entry,omitempty"`
	Balance        BalanceDTO         `json:"balance"`
	AlreadyApplied bool               `json:"already_applied"`
}

func toOutcomeDTO(o rewards.Outcome) OutcomeDTO {
	dto := OutcomeDTO{
		ProgramID:      int64(o.ProgramID),
		Enrolled:       o.Enrolled,
		Evaluation:     o.Evaluation,
		Balance:        toBalanceDTO(o.Balance),
		AlreadyApplied: o.AlreadyApplied,
	}
	if o.Entry != nil {
		e := toEntryDTO(*o.Entry)
		dto.Entry = &e
	}
	return dto
}
