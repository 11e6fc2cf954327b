/*
Package cache keeps a read-through copy of account summaries in Redis.

PURPOSE:
  POS terminals poll the balance of the customer at the counter. The ledger
  is the source of truth; this cache only saves the replay of entries.

KEYS:
  loyalty:balance:<tenant>:<type>:<program>:<customer>          JSON Snapshot, TTL
  loyalty:balance:version:<tenant>:<type>:<program>:<customer>  post counter
  loyalty:balance:tracked:<tenant>                              set of account keys
  loyalty:balance:tenants                                       set of tenant ids

LIFECYCLE:
  - EntryPosted (after every committed entry) drops the snapshot, bumps the
    account version and marks the account as tracked.
  - Writers read Version before computing a summary and hand it back in
    Snapshot.Version. Put stores the snapshot only if no entry was posted
    in between (WATCH on the version key), otherwise ErrStaleSnapshot.
  - A snapshot never outlives its NextExpiry: Put caps the TTL there and
    readers check FreshAt.
  - The refresh job (package jobs) recomputes every tracked account, because
    lots expire with time and change the redeemable amount without any write.

Every method is best-effort from the ledger's point of view: callers log
errors and fall back to the ledger.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

const (
	keyPrefix  = "loyalty:balance:"
	tenantsKey = keyPrefix + "tenants"
)

// ErrStaleSnapshot is returned by Put when an entry was posted to the
// account after the snapshot's Version was read. Nothing is stored.
var ErrStaleSnapshot = errors.New("snapshot is older than the latest posted entry")

// Snapshot is the cached summary of one account.
type Snapshot struct {
	Key         ledger.AccountKey `json:"-"`
	Current     decimal.Decimal   `json:"current"`
	Earned      decimal.Decimal   `json:"earned"`
	Redeemed    decimal.Decimal   `json:"redeemed"`
	Credited    decimal.Decimal   `json:"credited"`
	Debited     decimal.Decimal   `json:"debited"`
	Redeemable  decimal.Decimal   `json:"redeemable"`
	Expired     decimal.Decimal   `json:"expired"`
	NextExpiry  *time.Time        `json:"next_expiry,omitempty"`
	Entries     int               `json:"entries"`
	RefreshedAt time.Time         `json:"refreshed_at"`

	// Version is the account version read before the summary was computed.
	Version int64 `json:"version"`
}

// FreshAt reports whether no lot counted in the snapshot has expired by at.
func (s Snapshot) FreshAt(at time.Time) bool {
	return s.NextExpiry == nil || at.Before(*s.NextExpiry)
}

// expiresIn is how long s may be kept: ttl (0 = no limit), cut short at the
// next lot expiry. ok is false when that expiry has already passed.
func (s Snapshot) expiresIn(ttl time.Duration) (d time.Duration, ok bool) {
	if s.NextExpiry == nil {
		return ttl, true
	}
	until := s.NextExpiry.Sub(s.RefreshedAt)
	if until <= 0 {
		return 0, false
	}
	if ttl <= 0 || until < ttl {
		return until, true
	}
	return ttl, true
}

// SnapshotOf converts a freshly computed account summary.
func SnapshotOf(sum rewards.Summary, at time.Time) Snapshot {
	b := sum.Balance
	return Snapshot{
		Key:         b.Key,
		Current:     b.Current(),
		Earned:      b.Earned,
		Redeemed:    b.Redeemed,
		Credited:    b.Credited,
		Debited:     b.Debited,
		Redeemable:  sum.Redeemable,
		Expired:     sum.Expired,
		NextExpiry:  sum.NextExpiry,
		Entries:     b.Entries,
		RefreshedAt: at.UTC(),
	}
}

type BalanceCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewBalanceCache(rdb redis.UniversalClient, ttl time.Duration) *BalanceCache {
	return &BalanceCache{rdb: rdb, ttl: ttl}
}

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}
	return rdb, nil
}

func snapshotKey(k ledger.AccountKey) string {
	return keyPrefix + k.String()
}

func versionKey(k ledger.AccountKey) string {
	return keyPrefix + "version:" + k.String()
}

func trackedKey(tenant ledger.TenantID) string {
	return keyPrefix + "tracked:" + strconv.FormatInt(int64(tenant), 10)
}

// =============================================================================
// NOTIFIER (ledger.Notifier interface)
// =============================================================================

// EntryPosted drops the stale snapshot, bumps the version and tracks the
// account.
func (c *BalanceCache) EntryPosted(ctx context.Context, e ledger.Entry, _ ledger.Balance) error {
	key := e.Key()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, snapshotKey(key))
		pipe.Incr(ctx, versionKey(key))
		if c.ttl > 0 {
			pipe.Expire(ctx, versionKey(key), 2*c.ttl)
		}
		pipe.SAdd(ctx, trackedKey(key.TenantID), key.String())
		pipe.SAdd(ctx, tenantsKey, strconv.FormatInt(int64(key.TenantID), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// LOOKUP
// =============================================================================

// Get returns the snapshot of key. ok is false on a miss.
func (c *BalanceCache) Get(ctx context.Context, key ledger.AccountKey) (Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt snapshot %s: %w", key, err)
	}
	s.Key = key
	return s, true, nil
}

// Version returns the number of entries posted to key since its version
// counter was created. Read it before computing the summary passed to Put.
func (c *BalanceCache) Version(ctx context.Context, key ledger.AccountKey) (int64, error) {
	v, err := c.rdb.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Put stores s unless an entry was posted since s.Version was read, in which
// case it returns ErrStaleSnapshot. A snapshot whose lots already expired is
// not stored, but the account is still tracked.
func (c *BalanceCache) Put(ctx context.Context, s Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl, keep := s.expiresIn(c.ttl)
	vk := versionKey(s.Key)

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != s.Version {
			return ErrStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keep {
				pipe.Set(ctx, snapshotKey(s.Key), raw, ttl)
			}
			pipe.SAdd(ctx, trackedKey(s.Key.TenantID), s.Key.String())
			pipe.SAdd(ctx, tenantsKey, strconv.FormatInt(int64(s.Key.TenantID), 10))
			return nil
		})
		return err
	}, vk)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleSnapshot
	}
	return err
}

// Forget removes the snapshot and stops tracking the account.
func (c *BalanceCache) Forget(ctx context.Context, key ledger.AccountKey) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, snapshotKey(key), versionKey(key))
		pipe.SRem(ctx, trackedKey(key.TenantID), key.String())
		return nil
	})
	return err
}

// Tracked lists the accounts of tenant that have been cached or written.
// Members that no longer parse are skipped.
func (c *BalanceCache) Tracked(ctx context.Context, tenant ledger.TenantID) ([]ledger.AccountKey, error) {
	members, err := c.rdb.SMembers(ctx, trackedKey(tenant)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]ledger.AccountKey, 0, len(members))
	for _, m := range members {
		k, err := ledger.ParseAccountKey(m)
		if err != nil || k.TenantID != tenant {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Tenants lists every tenant with tracked accounts.
func (c *BalanceCache) Tenants(ctx context.Context) ([]ledger.TenantID, error) {
	members, err := c.rdb.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, err
	}
	tenants := make([]ledger.TenantID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		tenants = append(tenants, ledger.TenantID(id))
	}
	return tenants, nil
}
