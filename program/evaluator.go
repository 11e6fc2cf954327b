/*
evaluator.go - Visit -> earn amount and redemption eligibility

PURPOSE:
  Given the customer's visit number, the order flags and the customer's
  current lots, decide how much the order earns and how much can be
  redeemed. Pure: it never writes, callers decide what to post.

TIER RESOLUTION (ladder sorted by visit):
  1. exact row "N" with N == visit
  2. terminal row "N+" with the greatest N <= visit
  3. visit past the last row: after_last
       continue -> the row with the greatest N below visit
       loop     -> row (visit-1) mod len(ladder)
       stop     -> nothing
  A visit that falls in a gap inside the ladder earns nothing.

EXAMPLE:
  ladder [1: 10%, 2: 15%, 3+: 20%]
  visit 1 -> 10%, visit 2 -> 15%, visit 5 -> 20% (terminal)
  ladder [1: 10%, 2: 15%, 3: 20%], loop
  visit 4 -> 10%, visit 5 -> 15%
*/
package program

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// Exclusion reasons reported in Evaluation.Excluded.
const (
	ExcludedChannel    = "channel"
	ExcludedAggregator = "aggregator"
	ExcludedDiscounted = "discounted"
)

// EvalInput is supplied by the order subsystem. Visit is an opaque 1-based
// index; how it is counted is the caller's business.
type EvalInput struct {
	Visit      int
	Channel    Channel
	Aggregator bool
	Discounted bool
	OrderBasis decimal.Decimal
}

type Evaluation struct {
	Visit      int             `json:"visit"`
	EarnAmount decimal.Decimal `json:"earn_amount"`
	Tier       *Tier           `json:"tier,omitempty"`
	Excluded   string          `json:"excluded,omitempty"`

	EligibleForRedeem bool            `json:"is_eligible_for_redeem"`
	RedeemableAmount  decimal.Decimal `json:"redeemable_amount"`
	NextExpiry        *time.Time      `json:"next_expiry,omitempty"`
}

// Evaluate applies rule to one order. unit is the program type, which
// decides rounding precision.
func Evaluate(rule EarnRule, unit ledger.ProgramType, in EvalInput, lots ledger.Lots, now time.Time) Evaluation {
	ev := Evaluation{Visit: in.Visit, EarnAmount: decimal.Zero}

	switch {
	case !rule.HasChannel(in.Channel):
		ev.Excluded = ExcludedChannel
	case rule.Exclusions.ExcludeAggregators && in.Aggregator:
		ev.Excluded = ExcludedAggregator
	case rule.Exclusions.ExcludeDiscountedOrders && in.Discounted:
		ev.Excluded = ExcludedDiscounted
	}

	if ev.Excluded == "" {
		if tier, ok := ResolveTier(rule, in.Visit); ok {
			ev.Tier = &tier
			if in.OrderBasis.IsPositive() {
				ev.EarnAmount = rule.Rounding.Apply(in.OrderBasis.Mul(tier.Rate), unit.Precision())
			}
		}
	}

	ev.RedeemableAmount = lots.Redeemable(now)
	ev.NextExpiry = lots.NextExpiry(now)
	ev.EligibleForRedeem = in.Visit >= rule.MinVisitToRedeem && ev.RedeemableAmount.IsPositive()
	return ev
}

// ResolveTier picks the ladder row for visit. ok is false when the visit
// earns nothing.
func ResolveTier(rule EarnRule, visit int) (Tier, bool) {
	ladder := rule.Ladder
	if visit < 1 || len(ladder) == 0 {
		return Tier{}, false
	}

	for _, t := range ladder {
		if !t.Visit.Terminal() && t.Visit.N() == visit {
			return t, true
		}
	}

	best := -1
	for i, t := range ladder {
		if t.Visit.Terminal() && t.Visit.N() <= visit {
			if best < 0 || t.Visit.N() > ladder[best].Visit.N() {
				best = i
			}
		}
	}
	if best >= 0 {
		return ladder[best], true
	}

	last := 0
	for _, t := range ladder {
		if t.Visit.N() > last {
			last = t.Visit.N()
		}
	}
	if visit <= last {
		return Tier{}, false
	}

	switch rule.AfterLast {
	case AfterLastLoop:
		return ladder[(visit-1)%len(ladder)], true
	case AfterLastStop:
		return Tier{}, false
	default:
		prev := -1
		for i, t := range ladder {
			if t.Visit.N() < visit && (prev < 0 || t.Visit.N() > ladder[prev].Visit.N()) {
				prev = i
			}
		}
		if prev < 0 {
			return Tier{}, false
		}
		return ladder[prev], true
	}
}
