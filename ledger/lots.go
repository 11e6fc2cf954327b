/*
lots.go - FIFO lots and expiry

PURPOSE:
  The balance says how much a customer has; lots say how much of it can
  still be redeemed. Every increasing entry opens a lot, every decreasing
  entry consumes lots oldest first.

RULES:
  - An earn lot expires expiryDays after its CreatedAt (0 = never).
  - A credit lot never expires.
  - A lot is expired at t when t >= ExpiresAt.
  - A decreasing entry consumes, in order:
      1. the lot it reverses, if it is a reversal
      2. lots still valid at its CreatedAt, oldest first
      3. expired lots, oldest first (only manual debits get here)

EXAMPLE (expiry 15 days):
  day 0   earn 20     lots: [20 exp day 15]
  day 10  redeem 20   lots: [0]
  ...or without the redemption:
  day 20  Redeemable(day 20) = 0, the lot expired on day 15
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Lot struct {
	EntryID   EntryID
	Direction Direction
	EarnedAt  time.Time
	ExpiresAt *time.Time // nil = never expires

	Original  decimal.Decimal
	Remaining decimal.Decimal
}

// ExpiredAt reports whether the lot can no longer be redeemed at t.
func (l Lot) ExpiredAt(t time.Time) bool {
	return l.ExpiresAt != nil && !t.Before(*l.ExpiresAt)
}

type Lots []Lot

// BuildLots replays entries (oldest first) into lots.
func BuildLots(entries []Entry, expiryDays int) Lots {
	var lots Lots
	for _, e := range entries {
		if e.Direction.Increases() {
			lot := Lot{
				EntryID:   e.ID,
				Direction: e.Direction,
				EarnedAt:  e.CreatedAt,
				Original:  e.Amount,
				Remaining: e.Amount,
			}
			if e.Direction == DirectionEarn && expiryDays > 0 {
				exp := e.CreatedAt.AddDate(0, 0, expiryDays)
				lot.ExpiresAt = &exp
			}
			lots = append(lots, lot)
			continue
		}
		lots.consume(e)
	}
	return lots
}

func (ls Lots) consume(e Entry) {
	remaining := e.Amount
	take := func(i int) {
		if !remaining.IsPositive() || !ls[i].Remaining.IsPositive() {
			return
		}
		n := decimal.Min(remaining, ls[i].Remaining)
		ls[i].Remaining = ls[i].Remaining.Sub(n)
		remaining = remaining.Sub(n)
	}

	if e.ReversalOf != "" {
		for i := range ls {
			if ls[i].EntryID == e.ReversalOf {
				take(i)
			}
		}
	}
	for i := range ls {
		if !ls[i].ExpiredAt(e.CreatedAt) {
			take(i)
		}
	}
	for i := range ls {
		if ls[i].ExpiredAt(e.CreatedAt) {
			take(i)
		}
	}
	// Anything left over was a debit against a negative or empty balance;
	// the service rejects those so nothing is tracked here.
}

// Redeemable returns the unconsumed amount of lots still valid at t.
func (ls Lots) Redeemable(at time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, l := range ls {
		if !l.ExpiredAt(at) {
			total = total.Add(l.Remaining)
		}
	}
	return total
}

// Expired returns the unconsumed amount of lots that expired by t.
func (ls Lots) Expired(at time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, l := range ls {
		if l.ExpiredAt(at) {
			total = total.Add(l.Remaining)
		}
	}
	return total
}

// Covers reports whether amount can be redeemed at t.
func (ls Lots) Covers(amount decimal.Decimal, at time.Time) bool {
	return ls.Redeemable(at).GreaterThanOrEqual(amount)
}

// NextExpiry returns the earliest expiry among lots still holding value at t.
func (ls Lots) NextExpiry(at time.Time) *time.Time {
	var next *time.Time
	for _, l := range ls {
		if l.ExpiresAt == nil || l.ExpiredAt(at) || !l.Remaining.IsPositive() {
			continue
		}
		if next == nil || l.ExpiresAt.Before(*next) {
			exp := *l.ExpiresAt
			next = &exp
		}
	}
	return next
}
