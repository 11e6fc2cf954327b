package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

var key = ledger.AccountKey{TenantID: 4, ProgramType: ledger.ProgramPoints, ProgramID: 2, CustomerID: 11}

// newTestCache uses database 15 of the server named by
// LOYALTY_TEST_REDIS_ADDR and flushes it first.
func newTestCache(t *testing.T) *cache.BalanceCache {
	addr := os.Getenv("LOYALTY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOYALTY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := cache.Connect(ctx, addr, "", 15)
	require.NoError(t, err)
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { rdb.Close() })
	return cache.NewBalanceCache(rdb, time.Minute)
}

func TestSnapshotOf(t *testing.T) {
	exp := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	sum := rewards.Summary{
		Balance: ledger.Balance{
			Key:      key,
			Earned:   decimal.NewFromInt(30),
			Redeemed: decimal.NewFromInt(5),
			Debited:  decimal.NewFromInt(1),
			Entries:  3,
		},
		Redeemable: decimal.NewFromInt(20),
		Expired:    decimal.NewFromInt(4),
		NextExpiry: &exp,
	}
	s := cache.SnapshotOf(sum, exp)
	assert.Equal(t, key, s.Key)
	assert.True(t, decimal.NewFromInt(24).Equal(s.Current))
	assert.True(t, decimal.NewFromInt(20).Equal(s.Redeemable))
	assert.Equal(t, 3, s.Entries)
}

func TestBalanceCache_PutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, cache.Snapshot{Key: key, Current: decimal.NewFromInt(7), RefreshedAt: time.Now()}))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(7).Equal(got.Current))

	// a committed entry drops the snapshot but keeps the account tracked
	e := ledger.Entry{TenantID: key.TenantID, ProgramType: key.ProgramType, ProgramID: key.ProgramID, CustomerID: key.CustomerID}
	require.NoError(t, c.EntryPosted(ctx, e, ledger.Balance{}))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	tracked, err := c.Tracked(ctx, key.TenantID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountKey{key}, tracked)
	tenants, err := c.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TenantID{key.TenantID}, tenants)

	require.NoError(t, c.Forget(ctx, key))
	tracked, err = c.Tracked(ctx, key.TenantID)
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestBalanceCache_PutAfterPostIsStale(t *testing.T) {
	// GIVEN: a summary computed at version v
	// WHEN: an entry is posted before the summary is stored
	// THEN: Put refuses it and the next read misses
	ctx := context.Background()
	c := newTestCache(t)

	v, err := c.Version(ctx, key)
	require.NoError(t, err)

	e := ledger.Entry{TenantID: key.TenantID, ProgramType: key.ProgramType, ProgramID: key.ProgramID, CustomerID: key.CustomerID}
	require.NoError(t, c.EntryPosted(ctx, e, ledger.Balance{}))

	old := cache.Snapshot{Key: key, Current: decimal.NewFromInt(7), RefreshedAt: time.Now(), Version: v}
	assert.ErrorIs(t, c.Put(ctx, old), cache.ErrStaleSnapshot)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	v2, err := c.Version(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, v+1, v2)
	fresh := cache.Snapshot{Key: key, Current: decimal.NewFromInt(9), RefreshedAt: time.Now(), Version: v2}
	require.NoError(t, c.Put(ctx, fresh))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(9).Equal(got.Current))
}

func TestBalanceCache_DoesNotKeepExpiredSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, c.Put(ctx, cache.Snapshot{Key: key, RefreshedAt: time.Now(), NextExpiry: &past}))
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	tracked, err := c.Tracked(ctx, key.TenantID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountKey{key}, tracked)
}
