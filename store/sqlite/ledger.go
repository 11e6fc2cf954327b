package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// Append adds an entry outside of any account lock. Append-only.
func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	var id ledger.EntryID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = (&ledgerRepo{q: tx}).Append(ctx, e)
		return err
	})
	return id, err
}

func (s *Store) Query(ctx context.Context, key ledger.AccountKey, r ledger.Range) ([]ledger.Entry, error) {
	return (&ledgerRepo{q: s.db}).Query(ctx, key, r)
}

func (s *Store) Get(ctx context.Context, tenantID ledger.TenantID, id ledger.EntryID) (ledger.Entry, error) {
	return (&ledgerRepo{q: s.db}).Get(ctx, tenantID, id)
}

func (s *Store) Exists(ctx context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	return (&ledgerRepo{q: s.db}).Exists(ctx, tenantID, key)
}

// AccountKeys lists every account of the tenant that has a lock row, i.e.
// every account that has been written to through WithAccountLock.
func (s *Store) AccountKeys(ctx context.Context, tenantID ledger.TenantID) ([]ledger.AccountKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, program_type, program_id, customer_id
		FROM loyalty_accounts WHERE tenant_id = ?
		ORDER BY program_type, program_id, customer_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []ledger.AccountKey
	for rows.Next() {
		var k ledger.AccountKey
		if err := rows.Scan(&k.TenantID, &k.ProgramType, &k.ProgramID, &k.CustomerID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ledgerRepo runs the ledger queries against either the pool or a tx.
type ledgerRepo struct {
	q querier
}

const entryColumns = `seq, id, tenant_id, program_type, program_id, customer_id, direction,
	amount, order_id, user_id, note, reversal_of, idempotency_key, created_at`

func (r *ledgerRepo) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	query := `
		INSERT INTO loyalty_ledger
		(id, tenant_id, program_type, program_id, customer_id, direction, amount,
		 order_id, user_id, note, reversal_of, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.ProgramType,
		e.ProgramID,
		e.CustomerID,
		e.Direction,
		e.Amount.String(),
		nullInt64(e.OrderID),
		nullInt64(int64(e.UserID)),
		e.Note,
		nullString(string(e.ReversalOf)),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isIdempotencyViolation(err) {
			return "", ledger.ErrDuplicateIdempotencyKey
		}
		return "", fmt.Errorf("failed to append entry: %w", err)
	}
	return e.ID, nil
}

func (r *ledgerRepo) Query(ctx context.Context, key ledger.AccountKey, rg ledger.Range) ([]ledger.Entry, error) {
	var where strings.Builder
	where.WriteString("tenant_id = ? AND program_type = ? AND program_id = ? AND customer_id = ?")
	args := []any{key.TenantID, key.ProgramType, key.ProgramID, key.CustomerID}
	if rg.Since != nil {
		where.WriteString(" AND created_at >= ?")
		args = append(args, formatTime(*rg.Since))
	}
	if rg.Until != nil {
		where.WriteString(" AND created_at <= ?")
		args = append(args, formatTime(*rg.Until))
	}

	rows, err := r.q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM loyalty_ledger WHERE "+where.String()+" ORDER BY created_at DESC, seq DESC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *ledgerRepo) Get(ctx context.Context, tenantID ledger.TenantID, id ledger.EntryID) (ledger.Entry, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM loyalty_ledger WHERE tenant_id = ? AND id = ?", tenantID, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func (r *ledgerRepo) Exists(ctx context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM loyalty_ledger WHERE tenant_id = ? AND idempotency_key = ?", tenantID, key,
	).Scan(&n)
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                   ledger.Entry
		amount, createdAt   string
		orderID, userID     sql.NullInt64
		reversalOf, idemKey sql.NullString
	)
	err := row.Scan(&e.Seq, &e.ID, &e.TenantID, &e.ProgramType, &e.ProgramID, &e.CustomerID,
		&e.Direction, &amount, &orderID, &userID, &e.Note, &reversalOf, &idemKey, &createdAt)
	if err != nil {
		return ledger.Entry{}, err
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s: bad created_at %q: %w", e.ID, createdAt, err)
	}
	e.OrderID = orderID.Int64
	e.UserID = ledger.UserID(userID.Int64)
	e.ReversalOf = ledger.EntryID(reversalOf.String)
	e.IdempotencyKey = idemKey.String
	return e, nil
}
