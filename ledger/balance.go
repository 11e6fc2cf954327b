/*
balance.go - Deriving an account balance from its entries

PURPOSE:
  Answers "how much does this customer have in this program?" There is no
  stored counter; the balance is recomputed from the entries every time.

FORMULA:
  Current = Earned + Credited - Redeemed - Debited

POINT-IN-TIME:
  With an AsOf cutoff only entries created at or before AsOf are summed.
  This is what the expiry logic and the balance endpoint's as_of use.

SEE ALSO:
  - lots.go: the FIFO view of the same entries, used for redemption
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE - Derived, never stored
// =============================================================================

type Balance struct {
	Key  AccountKey
	AsOf time.Time

	Earned   decimal.Decimal
	Redeemed decimal.Decimal
	Credited decimal.Decimal
	Debited  decimal.Decimal

	// Number of entries that contributed.
	Entries int
}

// Current returns Earned + Credited - Redeemed - Debited.
func (b Balance) Current() decimal.Decimal {
	return b.Earned.Add(b.Credited).Sub(b.Redeemed).Sub(b.Debited)
}

// Sum folds entries into a balance. Entries after asOf are skipped unless
// asOf is zero. Entries of other accounts are the caller's problem.
func Sum(key AccountKey, entries []Entry, asOf time.Time) Balance {
	b := Balance{Key: key, AsOf: asOf}
	for _, e := range entries {
		if !asOf.IsZero() && e.CreatedAt.After(asOf) {
			continue
		}
		switch e.Direction {
		case DirectionEarn:
			b.Earned = b.Earned.Add(e.Amount)
		case DirectionRedeem:
			b.Redeemed = b.Redeemed.Add(e.Amount)
		case DirectionCredit:
			b.Credited = b.Credited.Add(e.Amount)
		case DirectionDebit:
			b.Debited = b.Debited.Add(e.Amount)
		}
		b.Entries++
	}
	return b
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

type BalanceCalculator struct {
	Store Store
}

func NewBalanceCalculator(s Store) *BalanceCalculator {
	return &BalanceCalculator{Store: s}
}

// Balance returns the balance of key as of asOf (zero = now, no cutoff).
func (c *BalanceCalculator) Balance(ctx context.Context, key AccountKey, asOf time.Time) (Balance, error) {
	entries, err := Entries(ctx, c.Store, key, asOf)
	if err != nil {
		return Balance{}, err
	}
	return Sum(key, entries, asOf), nil
}

// Lots returns the FIFO lots of key built from every entry up to asOf.
func (c *BalanceCalculator) Lots(ctx context.Context, key AccountKey, expiryDays int, asOf time.Time) (Lots, error) {
	entries, err := Entries(ctx, c.Store, key, asOf)
	if err != nil {
		return nil, err
	}
	return BuildLots(entries, expiryDays), nil
}
