/*
ledger.go - Posting entries and reading accounts

PURPOSE:
  The ledger is the only source of truth for loyalty balances. Every earn,
  redemption and manual adjustment is one Entry appended through Post.
  Balances and redeemable lots are recomputed from the entries on every read.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IDEMPOTENT: a tenant never stores two entries with the same key
  3. ORDERED: entries of one account are read back in write order

CORRECTIONS:
  A wrong entry is never edited. Reverse posts the mirror entry:
    earn 20  ->  redeem 20 (ReversalOf = earn id)
    debit 5  ->  credit 5  (ReversalOf = debit id)
  Both stay in the ledger, the net effect is zero.

SEE ALSO:
  - store.go: persistence interface
  - balance.go: summing an account
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Post validates e, stamps it and appends it to s.
// ID and CreatedAt are filled in when empty.
func Post(ctx context.Context, s Store, e Entry, now time.Time) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	if e.ID == "" {
		e.ID = NewEntryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()

	if e.IdempotencyKey != "" {
		exists, err := s.Exists(ctx, e.TenantID, e.IdempotencyKey)
		if err != nil {
			return Entry{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if exists {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
	}

	id, err := s.Append(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	e.ID = id
	return e, nil
}

// Entries returns every entry of key up to and including asOf, oldest first.
// A zero asOf means no cutoff.
func Entries(ctx context.Context, s Store, key AccountKey, asOf time.Time) ([]Entry, error) {
	var r Range
	if !asOf.IsZero() {
		r.Until = &asOf
	}
	entries, err := s.Query(ctx, key, r)
	if err != nil {
		return nil, err
	}
	SortChronological(entries)
	return entries, nil
}

// SortChronological orders entries oldest first, using Seq to break ties.
func SortChronological(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// ReversalOf builds the entry that cancels e. The caller posts it.
func ReversalOf(e Entry, user UserID, reason string) Entry {
	return Entry{
		TenantID:       e.TenantID,
		ProgramType:    e.ProgramType,
		ProgramID:      e.ProgramID,
		CustomerID:     e.CustomerID,
		Direction:      e.Direction.Opposite(),
		Amount:         e.Amount,
		OrderID:        e.OrderID,
		UserID:         user,
		Note:           reason,
		ReversalOf:     e.ID,
		IdempotencyKey: "reverse:" + string(e.ID),
	}
}
