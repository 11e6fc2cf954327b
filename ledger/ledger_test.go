package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/memstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	day0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	acct = ledger.AccountKey{TenantID: 1, ProgramType: ledger.ProgramCashback, ProgramID: 10, CustomerID: 100}
)

func entry(dir ledger.Direction, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		TenantID:    acct.TenantID,
		ProgramType: acct.ProgramType,
		ProgramID:   acct.ProgramID,
		CustomerID:  acct.CustomerID,
		Direction:   dir,
		Amount:      decimal.RequireFromString(amount),
		Note:        "test",
		CreatedAt:   at,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// VALIDATION
// =============================================================================

func TestEntry_Validate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(e *ledger.Entry)
		check error
	}{
		{"zero amount", func(e *ledger.Entry) { e.Amount = decimal.Zero }, ledger.ErrInvalidAmount},
		{"negative amount", func(e *ledger.Entry) { e.Amount = dec("-5") }, ledger.ErrInvalidAmount},
		{"bad direction", func(e *ledger.Entry) { e.Direction = "refund" }, ledger.ErrInvalidDirection},
		{"bad type", func(e *ledger.Entry) { e.ProgramType = "miles" }, ledger.ErrInvalidProgramType},
		{"manual without note", func(e *ledger.Entry) { e.Direction = ledger.DirectionDebit; e.Note = "" }, ledger.ErrMissingReason},
		{"fractional points", func(e *ledger.Entry) { e.ProgramType = ledger.ProgramPoints; e.Amount = dec("1.5") }, ledger.ErrInvalidAmount},
		{"sub-cent cashback", func(e *ledger.Entry) { e.Amount = dec("1.005") }, ledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entry(ledger.DirectionCredit, "5", day0)
			tt.mod(&e)
			assert.ErrorIs(t, e.Validate(), tt.check)
		})
	}

	t.Run("earn without note is fine", func(t *testing.T) {
		e := entry(ledger.DirectionEarn, "5", day0)
		e.Note = ""
		assert.NoError(t, e.Validate())
	})
}

// =============================================================================
// POSTING
// =============================================================================

func TestPost_AssignsIDAndRejectsDuplicateKey(t *testing.T) {
	// GIVEN: an empty store
	// WHEN: the same idempotency key is posted twice
	// THEN: the second post fails and only one entry exists
	ctx := context.Background()
	s := memstore.New()

	e := entry(ledger.DirectionEarn, "3.45", day0)
	e.IdempotencyKey = "award:42"

	posted, err := ledger.Post(ctx, s, e, day0)
	require.NoError(t, err)
	assert.NotEmpty(t, posted.ID)
	assert.Equal(t, day0, posted.CreatedAt)

	_, err = ledger.Post(ctx, s, e, day0)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	entries, err := s.Query(ctx, acct, ledger.Range{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPost_IdempotencyIsPerTenant(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	e := entry(ledger.DirectionEarn, "1", day0)
	e.IdempotencyKey = "award:7"
	_, err := ledger.Post(ctx, s, e, day0)
	require.NoError(t, err)

	other := e
	other.TenantID = 2
	_, err = ledger.Post(ctx, s, other, day0)
	assert.NoError(t, err)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestBalance_IsLedgerDerived(t *testing.T) {
	// GIVEN: a mix of every direction
	// THEN: balance == earn + credit - redeem - debit
	ctx := context.Background()
	s := memstore.New()
	postings := []ledger.Entry{
		entry(ledger.DirectionEarn, "10.00", day0),
		entry(ledger.DirectionCredit, "5.25", day0.Add(time.Hour)),
		entry(ledger.DirectionRedeem, "4.00", day0.Add(2*time.Hour)),
		entry(ledger.DirectionDebit, "1.25", day0.Add(3*time.Hour)),
		entry(ledger.DirectionEarn, "2.50", day0.Add(4*time.Hour)),
	}
	for _, e := range postings {
		_, err := ledger.Post(ctx, s, e, e.CreatedAt)
		require.NoError(t, err)
	}

	calc := ledger.NewBalanceCalculator(s)
	b, err := calc.Balance(ctx, acct, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "12.5", b.Current().String())
	assert.Equal(t, "12.5", b.Earned.String())
	assert.Equal(t, 5, b.Entries)
}

func TestBalance_AsOfCutoff(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for _, e := range []ledger.Entry{
		entry(ledger.DirectionEarn, "10", day0),
		entry(ledger.DirectionEarn, "7", day0.AddDate(0, 0, 5)),
	} {
		_, err := ledger.Post(ctx, s, e, e.CreatedAt)
		require.NoError(t, err)
	}

	b, err := ledger.NewBalanceCalculator(s).Balance(ctx, acct, day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "10", b.Current().String())
}

func TestEntries_TiesBrokenByWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first, err := ledger.Post(ctx, s, entry(ledger.DirectionEarn, "1", day0), day0)
	require.NoError(t, err)
	second, err := ledger.Post(ctx, s, entry(ledger.DirectionRedeem, "1", day0), day0)
	require.NoError(t, err)

	got, err := ledger.Entries(ctx, s, acct, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

// =============================================================================
// LOTS
// =============================================================================

func TestLots_RedemptionFIFOAndExpiry(t *testing.T) {
	// GIVEN: earn 20 on day 0, expiry 15 days
	earn := entry(ledger.DirectionEarn, "20", day0)
	earn.ID = "e1"
	lots := ledger.BuildLots([]ledger.Entry{earn}, 15)

	// THEN: day 10 can redeem all of it, day 20 nothing
	assert.True(t, lots.Covers(dec("20"), day0.AddDate(0, 0, 10)))
	assert.False(t, lots.Covers(dec("20"), day0.AddDate(0, 0, 20)))
	assert.True(t, lots.Redeemable(day0.AddDate(0, 0, 15)).IsZero(), "expiry instant is exclusive")
	assert.Equal(t, "20", lots.Expired(day0.AddDate(0, 0, 20)).String())

	// WHEN: the day 10 redemption is replayed
	redeem := entry(ledger.DirectionRedeem, "20", day0.AddDate(0, 0, 10))
	lots = ledger.BuildLots([]ledger.Entry{earn, redeem}, 15)

	// THEN: the lot is fully consumed
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Remaining.IsZero())
}

func TestLots_ConsumesOldestUnexpiredFirst(t *testing.T) {
	a := entry(ledger.DirectionEarn, "5", day0)
	a.ID = "a"
	b := entry(ledger.DirectionEarn, "5", day0.AddDate(0, 0, 20))
	b.ID = "b"
	// a has expired by day 25, so the redemption must come out of b
	r := entry(ledger.DirectionRedeem, "3", day0.AddDate(0, 0, 25))

	lots := ledger.BuildLots([]ledger.Entry{a, b, r}, 15)
	assert.Equal(t, "5", lots[0].Remaining.String())
	assert.Equal(t, "2", lots[1].Remaining.String())
	assert.Equal(t, "2", lots.Redeemable(day0.AddDate(0, 0, 25)).String())
}

func TestLots_CreditsNeverExpire(t *testing.T) {
	c := entry(ledger.DirectionCredit, "4", day0)
	lots := ledger.BuildLots([]ledger.Entry{c}, 1)
	assert.Nil(t, lots[0].ExpiresAt)
	assert.Equal(t, "4", lots.Redeemable(day0.AddDate(5, 0, 0)).String())
	assert.Nil(t, lots.NextExpiry(day0))
}

func TestLots_ReversalConsumesItsOwnLot(t *testing.T) {
	a := entry(ledger.DirectionEarn, "5", day0)
	a.ID = "a"
	b := entry(ledger.DirectionEarn, "8", day0.Add(time.Hour))
	b.ID = "b"
	rev := ledger.ReversalOf(b, 9, "wrong order")
	rev.CreatedAt = day0.Add(2 * time.Hour)

	lots := ledger.BuildLots([]ledger.Entry{a, b, rev}, 0)
	assert.Equal(t, "5", lots[0].Remaining.String())
	assert.True(t, lots[1].Remaining.IsZero())
}

func TestReversalOf_Mirrors(t *testing.T) {
	e := entry(ledger.DirectionDebit, "2", day0)
	e.ID = "d1"
	rev := ledger.ReversalOf(e, 3, "oops")
	assert.Equal(t, ledger.DirectionCredit, rev.Direction)
	assert.Equal(t, ledger.EntryID("d1"), rev.ReversalOf)
	assert.Equal(t, "reverse:d1", rev.IdempotencyKey)
	assert.NoError(t, rev.Validate())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestInsufficientBalanceError_Unwraps(t *testing.T) {
	err := error(&ledger.InsufficientBalanceError{Key: acct, Available: dec("1"), Requested: dec("2")})
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	assert.True(t, ledger.IsClientError(err))
	assert.False(t, ledger.IsNotFound(err))
	assert.Contains(t, err.Error(), "available 1, requested 2")
}

func TestParseAccountKey(t *testing.T) {
	k, err := ledger.ParseAccountKey(acct.String())
	require.NoError(t, err)
	assert.Equal(t, acct, k)

	for _, bad := range []string{"", "1:points:2", "x:points:2:3", "1:miles:2:3"} {
		_, err := ledger.ParseAccountKey(bad)
		assert.Error(t, err, bad)
	}
}
