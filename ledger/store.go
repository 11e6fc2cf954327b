/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between the ledger logic and the database. Stores are
  append-only: there is no Update and no Delete.

KEY INTERFACES:
  Store:   append, query and idempotency lookup
  TxStore: Store plus WithAccountLock, the per-account serialization point

ACCOUNT LOCK:
  Every check-then-write sequence (debit balance check, redemption FIFO check)
  runs inside WithAccountLock. Two callers holding the same AccountKey never
  interleave, so neither can act on a stale read. If fn returns an error the
  underlying transaction is rolled back and no entry is visible.

IMPLEMENTATIONS:
  - ledger/memstore:  in-memory, for tests and local development
  - store/sqlite:     single-writer SQLite
  - store/postgres:   pgx, SELECT ... FOR UPDATE on loyalty_accounts
*/
package ledger

import (
	"context"
	"time"
)

// Range bounds a query on CreatedAt. Nil bounds are open; both are inclusive.
type Range struct {
	Since *time.Time
	Until *time.Time
}

// Contains reports whether t falls in the range.
func (r Range) Contains(t time.Time) bool {
	if r.Since != nil && t.Before(*r.Since) {
		return false
	}
	if r.Until != nil && t.After(*r.Until) {
		return false
	}
	return true
}

// Store handles persistence of ledger entries.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists a validated entry and returns its ID.
	// Returns ErrDuplicateIdempotencyKey if the tenant already used the key.
	Append(ctx context.Context, e Entry) (EntryID, error)

	// Query returns the entries of one account within r, newest first.
	Query(ctx context.Context, key AccountKey, r Range) ([]Entry, error)

	// Get returns a single entry of the tenant, or ErrEntryNotFound.
	Get(ctx context.Context, tenantID TenantID, id EntryID) (Entry, error)

	// Exists checks whether the tenant already used an idempotency key.
	Exists(ctx context.Context, tenantID TenantID, idempotencyKey string) (bool, error)
}

// TxStore adds the per-account serialization point.
type TxStore interface {
	Store

	// WithAccountLock runs fn while holding the lock for key, inside one
	// transaction. fn must use the Store it is given, not the outer one.
	WithAccountLock(ctx context.Context, key AccountKey, fn func(Store) error) error
}
