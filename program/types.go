/*
Package program holds reward program configuration: the typed earn rule,
save-time validation, activation (closing overlapping programs) and the
rule evaluator.

PURPOSE:
  A Program is the mutable configuration row behind one points, cashback or
  stamp scheme of a tenant. Its EarnRule decides how much a visit earns and
  when earned value can be redeemed.

EARN RULE SHAPE (stored as one JSON document, rule_version inside):
  {
    "rule_version": 1,
    "ladder": [
      {"visit": "1",  "rate": "0.10", "valid_days": 30},
      {"visit": "2",  "rate": "0.15", "valid_days": 30},
      {"visit": "3+", "rate": "0.20", "valid_days": 30}
    ],
    "after_last": "continue",
    "min_visit_to_redeem": 2,
    "expiry": {"days": 15},
    "channels": ["pos", "online"],
    "exclusions": {"exclude_aggregators": true, "exclude_discounted_orders": false},
    "rounding": "floor",
    "award_timing": "on_payment"
  }

SEE ALSO:
  - validate.go: SaveInput -> Program
  - overlap.go: closing other active programs on activation
  - evaluator.go: visit -> earn amount and redemption eligibility
*/
package program

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// CurrentRuleVersion is written into every saved EarnRule.
const CurrentRuleVersion = 1

// MaxLadderTiers bounds the ladder length.
const MaxLadderTiers = 8

// =============================================================================
// ENUMS
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusInactive Status = "inactive"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusPaused || s == StatusInactive
}

// AfterLast decides what happens to visits past the end of the ladder.
type AfterLast string

const (
	AfterLastContinue AfterLast = "continue" // reuse the last tier used
	AfterLastLoop     AfterLast = "loop"     // restart from the first tier
	AfterLastStop     AfterLast = "stop"     // earn nothing
)

func (a AfterLast) Valid() bool {
	return a == AfterLastContinue || a == AfterLastLoop || a == AfterLastStop
}

type Rounding string

const (
	RoundFloor   Rounding = "floor"
	RoundNearest Rounding = "nearest"
	RoundCeil    Rounding = "ceil"
)

func (r Rounding) Valid() bool {
	return r == RoundFloor || r == RoundNearest || r == RoundCeil
}

// Apply rounds d to places decimals.
func (r Rounding) Apply(d decimal.Decimal, places int32) decimal.Decimal {
	switch r {
	case RoundFloor:
		return d.RoundFloor(places)
	case RoundCeil:
		return d.RoundCeil(places)
	default:
		return d.Round(places)
	}
}

type Channel string

const (
	ChannelPOS    Channel = "pos"
	ChannelOnline Channel = "online"
)

func (c Channel) Valid() bool {
	return c == ChannelPOS || c == ChannelOnline
}

// AwardTiming is consumed by the order subsystem; the engine only stores it.
type AwardTiming string

const (
	AwardOnPayment AwardTiming = "on_payment"
	AwardOnClose   AwardTiming = "on_close"
)

func (a AwardTiming) Valid() bool {
	return a == AwardOnPayment || a == AwardOnClose
}

// =============================================================================
// LADDER
// =============================================================================

// VisitKey is a ladder row's visit: "N" or the terminal form "N+".
// JSON accepts both a number and a string.
type VisitKey string

func (v *VisitKey) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*v = VisitKey(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("visit must be a number or a string like \"3+\"")
	}
	*v = VisitKey(s)
	return nil
}

// Terminal reports whether the row applies to N and every later visit.
func (v VisitKey) Terminal() bool {
	return strings.HasSuffix(string(v), "+")
}

// N returns the visit number, or 0 if the key is malformed.
func (v VisitKey) N() int {
	n, err := strconv.Atoi(strings.TrimSuffix(string(v), "+"))
	if err != nil {
		return 0
	}
	return n
}

type Tier struct {
	Visit     VisitKey        `json:"visit"`
	Rate      decimal.Decimal `json:"rate"` // fraction in [0,1]
	ValidDays int             `json:"valid_days"`
}

type Expiry struct {
	Days int `json:"days"` // 0 = never
}

type Exclusions struct {
	ExcludeAggregators      bool `json:"exclude_aggregators"`
	ExcludeDiscountedOrders bool `json:"exclude_discounted_orders"`
}

// EarnRule is the typed, versioned earn configuration. It is validated when
// saved and trusted when read.
type EarnRule struct {
	RuleVersion      int         `json:"rule_version"`
	Ladder           []Tier      `json:"ladder"`
	AfterLast        AfterLast   `json:"after_last"`
	MinVisitToRedeem int         `json:"min_visit_to_redeem"`
	Expiry           Expiry      `json:"expiry"`
	Channels         []Channel   `json:"channels"`
	Exclusions       Exclusions  `json:"exclusions"`
	Rounding         Rounding    `json:"rounding"`
	AwardTiming      AwardTiming `json:"award_timing"`
}

// HasChannel reports whether orders from c take part in the program.
func (r EarnRule) HasChannel(c Channel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// =============================================================================
// PROGRAM
// =============================================================================

type Program struct {
	ID         ledger.ProgramID   `json:"id"`
	TenantID   ledger.TenantID    `json:"tenant_id"`
	Type       ledger.ProgramType `json:"type"`
	Name       string             `json:"name"`
	Status     Status             `json:"status"`
	StartAt    time.Time          `json:"start_at"`
	EndAt      *time.Time         `json:"end_at,omitempty"`
	EarnRule   EarnRule           `json:"earn_rule"`
	RedeemRule json.RawMessage    `json:"redeem_rule,omitempty"`
	Version    int                `json:"version"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Contains reports whether at falls inside the program window (end inclusive).
func (p Program) Contains(at time.Time) bool {
	if at.Before(p.StartAt) {
		return false
	}
	return p.EndAt == nil || !at.After(*p.EndAt)
}

// LiveAt reports whether the program is active and its window contains at.
func (p Program) LiveAt(at time.Time) bool {
	return p.Status == StatusActive && p.Contains(at)
}

// AccountKey returns the ledger account of customer under this program.
func (p Program) AccountKey(customer ledger.CustomerID) ledger.AccountKey {
	return ledger.AccountKey{
		TenantID:    p.TenantID,
		ProgramType: p.Type,
		ProgramID:   p.ID,
		CustomerID:  customer,
	}
}
