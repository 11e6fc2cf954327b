/*
Package jobs runs the periodic balance cache refresh.

PURPOSE:
  Lots expire with time, so the redeemable amount of an account changes
  even when nothing is posted. The refresh job recomputes the cached
  summary of every tracked account from the ledger.

DESIGN:
  - robfig/cron drives the schedule (LOYALTY_REFRESH_SCHEDULE)
  - one pass runs immediately on Start
  - every pass takes a redislock lease so only one replica refreshes
  - accounts whose program or customer is gone are dropped from the cache
  - errors on one account are logged and the pass continues

USAGE:
  r := jobs.NewRefresher(svc, balanceCache, locker)
  r.Start(ctx, "15 3 * * *")
  defer r.Stop()
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/reqctx"
	"github.com/warp/loyalty-engine/rewards"
)

const (
	LockKey = "loyalty:lock:balance-refresh"
	LockTTL = 10 * time.Minute
)

// Balances computes account summaries. *rewards.Service satisfies it.
type Balances interface {
	Balance(ctx context.Context, rc reqctx.RequestContext, key ledger.AccountKey, asOf time.Time) (rewards.Summary, error)
}

// Cache is the part of cache.BalanceCache the job writes to.
type Cache interface {
	Tenants(ctx context.Context) ([]ledger.TenantID, error)
	Tracked(ctx context.Context, tenant ledger.TenantID) ([]ledger.AccountKey, error)
	Version(ctx context.Context, key ledger.AccountKey) (int64, error)
	Put(ctx context.Context, s cache.Snapshot) error
	Forget(ctx context.Context, key ledger.AccountKey) error
}

// AccountLister enumerates every account of a tenant from the store.
type AccountLister interface {
	AccountKeys(ctx context.Context, tenant ledger.TenantID) ([]ledger.AccountKey, error)
}

type Result struct {
	Refreshed int
	Dropped   int
	Failed    int

	// Stale counts accounts written to while they were recomputed. Their
	// snapshot was already dropped and the next read fills it.
	Stale int

	// Skipped is set when another replica holds the lock.
	Skipped bool
}

type Refresher struct {
	balances Balances
	cache    Cache
	locker   *redislock.Client
	clock    ledger.Clock

	// Accounts and Tenants seed the pass with every account of the listed
	// tenants, not only the ones already tracked by the cache.
	Accounts AccountLister
	Tenants  []ledger.TenantID

	cron *cron.Cron
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// NewRefresher creates a refresher. locker may be nil, in which case every
// pass runs without coordination.
func NewRefresher(balances Balances, c Cache, locker *redislock.Client) *Refresher {
	return &Refresher{
		balances: balances,
		cache:    c,
		locker:   locker,
		clock:    ledger.SystemClock{},
	}
}

func (r *Refresher) WithClock(c ledger.Clock) *Refresher {
	if c != nil {
		r.clock = c
	}
	return r
}

// Start schedules the refresh and runs one pass in the background.
func (r *Refresher) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("refresher already started")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() { r.runLogged(ctx) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLogged(ctx)
	}()

	log.WithField("schedule", schedule).Info("[Refresh] scheduler started")
	return nil
}

// Stop waits for a running pass to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.wg.Wait()
	r.cron = nil
	log.Info("[Refresh] scheduler stopped")
}

func (r *Refresher) runLogged(ctx context.Context) {
	start := time.Now()
	res, err := r.Run(ctx)
	if err != nil {
		log.WithError(err).Error("[Refresh] pass failed")
		return
	}
	if res.Skipped {
		log.Debug("[Refresh] another replica holds the lock, skipping")
		return
	}
	log.WithFields(log.Fields{
		"refreshed": res.Refreshed,
		"dropped":   res.Dropped,
		"failed":    res.Failed,
		"stale":     res.Stale,
		"duration":  time.Since(start).String(),
	}).Info("[Refresh] pass complete")
}

// Run performs one refresh pass.
func (r *Refresher) Run(ctx context.Context) (Result, error) {
	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, LockKey, LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return Result{Skipped: true}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to obtain refresh lock: %w", err)
		}
		defer func() {
			if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.WithError(err).Warn("[Refresh] failed to release lock")
			}
		}()
	}

	keys, err := r.accounts(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, key := range keys {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		version, err := r.cache.Version(ctx, key)
		if err != nil {
			log.WithError(err).WithField("account", key.String()).Warn("[Refresh] failed to read account version")
			res.Failed++
			continue
		}
		sum, err := r.balances.Balance(ctx, reqctx.System(key.TenantID), key, time.Time{})
		switch {
		case ledger.IsNotFound(err):
			if err := r.cache.Forget(ctx, key); err != nil {
				log.WithError(err).WithField("account", key.String()).Warn("[Refresh] failed to drop account")
			}
			res.Dropped++
		case err != nil:
			log.WithError(err).WithField("account", key.String()).Error("[Refresh] failed to compute balance")
			res.Failed++
		default:
			snap := cache.SnapshotOf(sum, r.clock.Now())
			snap.Version = version
			err := r.cache.Put(ctx, snap)
			if errors.Is(err, cache.ErrStaleSnapshot) {
				res.Stale++
				continue
			}
			if err != nil {
				log.WithError(err).WithField("account", key.String()).Warn("[Refresh] failed to store snapshot")
				res.Failed++
				continue
			}
			res.Refreshed++
		}
	}
	return res, nil
}

// accounts merges the tracked accounts with the seeded ones, without duplicates.
func (r *Refresher) accounts(ctx context.Context) ([]ledger.AccountKey, error) {
	tenants, err := r.cache.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked tenants: %w", err)
	}
	seen := map[ledger.AccountKey]bool{}
	var keys []ledger.AccountKey
	add := func(ks []ledger.AccountKey) {
		for _, k := range ks {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	for _, t := range tenants {
		tracked, err := r.cache.Tracked(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to list tracked accounts of tenant %d: %w", t, err)
		}
		add(tracked)
	}
	if r.Accounts != nil {
		for _, t := range r.Tenants {
			all, err := r.Accounts.AccountKeys(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("failed to list accounts of tenant %d: %w", t, err)
			}
			add(all)
		}
	}
	return keys, nil
}
