package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/jobs"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// memCache is an in-process stand-in for cache.BalanceCache, including its
// version check on Put.
type memCache struct {
	mu        sync.Mutex
	snapshots map[ledger.AccountKey]cache.Snapshot
	tracked   map[ledger.AccountKey]bool
	versions  map[ledger.AccountKey]int64
}

func newMemCache() *memCache {
	return &memCache{
		snapshots: map[ledger.AccountKey]cache.Snapshot{},
		tracked:   map[ledger.AccountKey]bool{},
		versions:  map[ledger.AccountKey]int64{},
	}
}

func (m *memCache) Version(_ context.Context, k ledger.AccountKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[k], nil
}

func (m *memCache) Tenants(context.Context) ([]ledger.TenantID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[ledger.TenantID]bool{}
	var out []ledger.TenantID
	for k := range m.tracked {
		if !seen[k.TenantID] {
			seen[k.TenantID] = true
			out = append(out, k.TenantID)
		}
	}
	return out, nil
}

func (m *memCache) Tracked(_ context.Context, t ledger.TenantID) ([]ledger.AccountKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.AccountKey
	for k := range m.tracked {
		if k.TenantID == t {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memCache) Put(_ context.Context, s cache.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[s.Key] != s.Version {
		return cache.ErrStaleSnapshot
	}
	m.snapshots[s.Key] = s
	m.tracked[s.Key] = true
	return nil
}

func (m *memCache) Forget(_ context.Context, k ledger.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, k)
	delete(m.tracked, k)
	delete(m.versions, k)
	return nil
}

func (m *memCache) EntryPosted(_ context.Context, e ledger.Entry, _ ledger.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, e.Key())
	m.versions[e.Key()]++
	m.tracked[e.Key()] = true
	return nil
}

func TestRefresher_RecomputesExpiredLots(t *testing.T) {
	// GIVEN: 10 points earned on day 0 that expire after 30 days
	// WHEN: the refresh runs on day 31 with no new entries
	// THEN: the cached redeemable amount drops to 0
	ctx := context.Background()
	t0 := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rc := reqctx.RequestContext{TenantID: 1, UserID: 1}

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	clock := ledger.NewFixedClock(t0)

	start := t0.AddDate(0, 0, -1)
	prog, err := program.NewService(store, clock).Save(ctx, rc, program.SaveInput{
		Type: ledger.ProgramPoints, Name: "Points", StartAt: &start,
		EarnRule: program.EarnRuleInput{
			Ladder:     []program.TierInput{{Visit: "1+", RatePercent: decimal.NewFromInt(100), ValidDays: 30}},
			ExpiryDays: 30,
		},
	})
	require.NoError(t, err)
	members := membership.NewService(store)
	_, err = members.Save(ctx, rc, membership.Customer{ID: 5, Name: "Lea"})
	require.NoError(t, err)
	_, err = members.Enroll(ctx, rc, 5)
	require.NoError(t, err)

	mc := newMemCache()
	svc := rewards.NewService(store, store, store).WithClock(clock).WithNotifier(mc)
	_, err = svc.AwardOrder(ctx, rc, rewards.OrderInput{
		CustomerID: 5, ProgramType: ledger.ProgramPoints, OrderID: 1, Visit: 1,
		Channel: program.ChannelPOS, OrderBasis: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	key := prog.AccountKey(5)
	refresher := jobs.NewRefresher(svc, mc, nil).WithClock(clock)

	res, err := refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refreshed)
	assert.True(t, decimal.NewFromInt(10).Equal(mc.snapshots[key].Redeemable))

	clock.AddDays(31)
	res, err = refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refreshed)
	snap := mc.snapshots[key]
	assert.True(t, snap.Redeemable.IsZero())
	assert.True(t, decimal.NewFromInt(10).Equal(snap.Expired))
	assert.True(t, decimal.NewFromInt(10).Equal(snap.Current))
	assert.True(t, clock.Now().Equal(snap.RefreshedAt))
}

func TestRefresher_DropsUnknownAccountsAndSeedsFromStore(t *testing.T) {
	ctx := context.Background()
	rc := reqctx.RequestContext{TenantID: 2, UserID: 1}
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	start := time.Now().AddDate(0, 0, -1)
	prog, err := program.NewService(store, nil).Save(ctx, rc, program.SaveInput{
		Type: ledger.ProgramStamp, Name: "Stamps", StartAt: &start,
		EarnRule: program.EarnRuleInput{Ladder: []program.TierInput{{Visit: "1+", RatePercent: decimal.NewFromInt(100), ValidDays: 30}}},
	})
	require.NoError(t, err)
	_, err = membership.NewService(store).Save(ctx, rc, membership.Customer{ID: 8})
	require.NoError(t, err)

	svc := rewards.NewService(store, store, store)
	_, err = svc.Adjust(ctx, rc, rewards.AdjustInput{
		CustomerID: 8, ProgramType: ledger.ProgramStamp, ProgramID: prog.ID,
		Direction: ledger.DirectionCredit, Amount: decimal.NewFromInt(2), Reason: "welcome",
	})
	require.NoError(t, err)

	mc := newMemCache()
	ghost := ledger.AccountKey{TenantID: 2, ProgramType: ledger.ProgramStamp, ProgramID: 999, CustomerID: 8}
	mc.tracked[ghost] = true

	refresher := jobs.NewRefresher(svc, mc, nil)
	refresher.Accounts = store
	refresher.Tenants = []ledger.TenantID{2}

	res, err := refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Result{Refreshed: 1, Dropped: 1}, res)
	assert.False(t, mc.tracked[ghost])
	assert.True(t, decimal.NewFromInt(2).Equal(mc.snapshots[prog.AccountKey(8)].Current))
}

// postingBalances posts an entry right after each summary is computed, the
// way a concurrent adjustment can land before the refresher stores it.
type postingBalances struct {
	jobs.Balances
	post func()
}

func (p postingBalances) Balance(ctx context.Context, rc reqctx.RequestContext, key ledger.AccountKey, asOf time.Time) (rewards.Summary, error) {
	sum, err := p.Balances.Balance(ctx, rc, key, asOf)
	p.post()
	return sum, err
}

func TestRefresher_DoesNotStoreSummaryOlderThanAPost(t *testing.T) {
	// GIVEN: a tracked account with a balance of 2
	// WHEN: a credit of 3 commits between the recompute and the store
	// THEN: the old summary is not cached and the next pass caches 5
	ctx := context.Background()
	rc := reqctx.RequestContext{TenantID: 3, UserID: 1}
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	start := time.Now().AddDate(0, 0, -1)
	prog, err := program.NewService(store, nil).Save(ctx, rc, program.SaveInput{
		Type: ledger.ProgramPoints, Name: "Points", StartAt: &start,
		EarnRule: program.EarnRuleInput{Ladder: []program.TierInput{{Visit: "1+", RatePercent: decimal.NewFromInt(100), ValidDays: 30}}},
	})
	require.NoError(t, err)
	_, err = membership.NewService(store).Save(ctx, rc, membership.Customer{ID: 4})
	require.NoError(t, err)

	mc := newMemCache()
	svc := rewards.NewService(store, store, store).WithNotifier(mc)
	credit := rewards.AdjustInput{
		CustomerID: 4, ProgramType: ledger.ProgramPoints, ProgramID: prog.ID,
		Direction: ledger.DirectionCredit, Amount: decimal.NewFromInt(2), Reason: "welcome",
	}
	_, err = svc.Adjust(ctx, rc, credit)
	require.NoError(t, err)

	posted := false
	racing := postingBalances{Balances: svc, post: func() {
		if posted {
			return
		}
		posted = true
		in := credit
		in.Amount = decimal.NewFromInt(3)
		_, err := svc.Adjust(ctx, rc, in)
		require.NoError(t, err)
	}}

	key := prog.AccountKey(4)
	res, err := jobs.NewRefresher(racing, mc, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Result{Stale: 1}, res)
	_, cached := mc.snapshots[key]
	assert.False(t, cached)

	res, err = jobs.NewRefresher(svc, mc, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Result{Refreshed: 1}, res)
	assert.True(t, decimal.NewFromInt(5).Equal(mc.snapshots[key].Current))
}

func TestRefresher_StartRejectsBadSchedule(t *testing.T) {
	r := jobs.NewRefresher(nil, newMemCache(), nil)
	assert.Error(t, r.Start(context.Background(), "whenever"))
	r.Stop()
}
