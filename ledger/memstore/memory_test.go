package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/memstore"
)

var key = ledger.AccountKey{TenantID: 1, ProgramType: ledger.ProgramPoints, ProgramID: 2, CustomerID: 3}

func credit(n int64) ledger.Entry {
	return ledger.Entry{
		TenantID: key.TenantID, ProgramType: key.ProgramType, ProgramID: key.ProgramID, CustomerID: key.CustomerID,
		Direction: ledger.DirectionCredit, Amount: decimal.NewFromInt(n), Note: "seed",
	}
}

func TestWithAccountLock_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	now := time.Now()

	boom := errors.New("boom")
	err := s.WithAccountLock(ctx, key, func(tx ledger.Store) error {
		_, err := ledger.Post(ctx, tx, credit(5), now)
		require.NoError(t, err)

		// visible inside the unit of work
		got, err := tx.Query(ctx, key, ledger.Range{})
		require.NoError(t, err)
		assert.Len(t, got, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Query(ctx, key, ledger.Range{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithAccountLock_SerializesCheckThenWrite(t *testing.T) {
	// GIVEN: balance 10
	// WHEN: 20 goroutines each try to debit 10 after checking the balance
	// THEN: exactly one succeeds
	ctx := context.Background()
	s := memstore.New()
	_, err := ledger.Post(ctx, s, credit(10), time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAccountLock(ctx, key, func(tx ledger.Store) error {
				b, err := ledger.NewBalanceCalculator(tx).Balance(ctx, key, time.Time{})
				if err != nil {
					return err
				}
				if b.Current().LessThan(decimal.NewFromInt(10)) {
					return ledger.ErrInsufficientBalance
				}
				debit := credit(10)
				debit.Direction = ledger.DirectionDebit
				_, err = ledger.Post(ctx, tx, debit, time.Now())
				return err
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	b, err := ledger.NewBalanceCalculator(s).Balance(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.True(t, b.Current().IsZero())
}

func TestGet_HidesOtherTenants(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	e, err := ledger.Post(ctx, s, credit(1), time.Now())
	require.NoError(t, err)

	_, err = s.Get(ctx, 99, e.ID)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	got, err := s.Get(ctx, key.TenantID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}
