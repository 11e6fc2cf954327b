// Package memstore provides an in-memory ledger.TxStore for tests and local development.
package memstore

import (
	"context"
	"sync"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[ledger.AccountKey][]ledger.Entry // oldest first
	byID        map[ledger.EntryID]ledger.Entry
	idempotency map[idemKey]bool
	seq         int64

	locksMu sync.Mutex
	locks   map[ledger.AccountKey]*sync.Mutex
}

type idemKey struct {
	TenantID ledger.TenantID
	Key      string
}

func New() *Memory {
	return &Memory{
		entries:     make(map[ledger.AccountKey][]ledger.Entry),
		byID:        make(map[ledger.EntryID]ledger.Entry),
		idempotency: make(map[idemKey]bool),
		locks:       make(map[ledger.AccountKey]*sync.Mutex),
	}
}

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Entry) (ledger.EntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(e); err != nil {
		return "", err
	}
	m.appendLocked(e)
	return e.ID, nil
}

func (m *Memory) checkLocked(e ledger.Entry) error {
	if e.IdempotencyKey != "" && m.idempotency[idemKey{e.TenantID, e.IdempotencyKey}] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (m *Memory) appendLocked(e ledger.Entry) {
	m.seq++
	e.Seq = m.seq
	k := e.Key()
	m.entries[k] = append(m.entries[k], e)
	m.byID[e.ID] = e
	if e.IdempotencyKey != "" {
		m.idempotency[idemKey{e.TenantID, e.IdempotencyKey}] = true
	}
}

// Query returns the entries of key within r, newest first.
func (m *Memory) Query(_ context.Context, key ledger.AccountKey, r ledger.Range) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterNewestFirst(m.entries[key], r), nil
}

func filterNewestFirst(src []ledger.Entry, r ledger.Range) []ledger.Entry {
	result := make([]ledger.Entry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		if r.Contains(src[i].CreatedAt) {
			result = append(result, src[i])
		}
	}
	return result
}

func (m *Memory) Get(_ context.Context, tenantID ledger.TenantID, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok || e.TenantID != tenantID {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) Exists(_ context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idemKey{tenantID, key}], nil
}

// =============================================================================
// ACCOUNT LOCK
// =============================================================================

func (m *Memory) accountLock(key ledger.AccountKey) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// WithAccountLock serializes fn against every other caller holding key.
// Writes made through the view are staged and only become visible when fn
// returns nil, so a failing fn leaves the store untouched.
func (m *Memory) WithAccountLock(ctx context.Context, key ledger.AccountKey, fn func(ledger.Store) error) error {
	l := m.accountLock(key)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	view := &txView{parent: m}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range view.staged {
		if err := m.checkLocked(e); err != nil {
			return err
		}
	}
	for _, e := range view.staged {
		m.appendLocked(e)
	}
	return nil
}

const stagedSeqBase = int64(1) << 62

// txView reads through to the parent and stages its own writes.
type txView struct {
	parent *Memory
	staged []ledger.Entry
}

func (v *txView) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	exists, err := v.Exists(ctx, e.TenantID, e.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if e.IdempotencyKey != "" && exists {
		return "", ledger.ErrDuplicateIdempotencyKey
	}
	// Provisional seq keeps staged entries after committed ones on ties.
	e.Seq = stagedSeqBase + int64(len(v.staged))
	v.staged = append(v.staged, e)
	return e.ID, nil
}

func (v *txView) Query(ctx context.Context, key ledger.AccountKey, r ledger.Range) ([]ledger.Entry, error) {
	v.parent.mu.RLock()
	combined := append([]ledger.Entry{}, v.parent.entries[key]...)
	v.parent.mu.RUnlock()
	for _, e := range v.staged {
		if e.Key() == key {
			combined = append(combined, e)
		}
	}
	return filterNewestFirst(combined, r), nil
}

func (v *txView) Get(ctx context.Context, tenantID ledger.TenantID, id ledger.EntryID) (ledger.Entry, error) {
	for _, e := range v.staged {
		if e.ID == id && e.TenantID == tenantID {
			return e, nil
		}
	}
	return v.parent.Get(ctx, tenantID, id)
}

func (v *txView) Exists(ctx context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	for _, e := range v.staged {
		if e.TenantID == tenantID && e.IdempotencyKey == key {
			return true, nil
		}
	}
	return v.parent.Exists(ctx, tenantID, key)
}
