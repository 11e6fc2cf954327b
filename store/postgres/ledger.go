package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	return (&ledgerRepo{q: s.pool}).Append(ctx, e)
}

func (s *Store) Query(ctx context.Context, key ledger.AccountKey, r ledger.Range) ([]ledger.Entry, error) {
	return (&ledgerRepo{q: s.pool}).Query(ctx, key, r)
}

func (s *Store) Get(ctx context.Context, tenantID ledger.TenantID, id ledger.EntryID) (ledger.Entry, error) {
	return (&ledgerRepo{q: s.pool}).Get(ctx, tenantID, id)
}

func (s *Store) Exists(ctx context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	return (&ledgerRepo{q: s.pool}).Exists(ctx, tenantID, key)
}

// AccountKeys lists every account of the tenant written through WithAccountLock.
func (s *Store) AccountKeys(ctx context.Context, tenantID ledger.TenantID) ([]ledger.AccountKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, program_type, program_id, customer_id
		FROM loyalty_accounts WHERE tenant_id = $1
		ORDER BY program_type, program_id, customer_id`, int64(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []ledger.AccountKey
	for rows.Next() {
		var (
			tenant, programID, customerID int64
			programType                   string
		)
		if err := rows.Scan(&tenant, &programType, &programID, &customerID); err != nil {
			return nil, err
		}
		keys = append(keys, ledger.AccountKey{
			TenantID:    ledger.TenantID(tenant),
			ProgramType: ledger.ProgramType(programType),
			ProgramID:   ledger.ProgramID(programID),
			CustomerID:  ledger.CustomerID(customerID),
		})
	}
	return keys, rows.Err()
}

type ledgerRepo struct {
	q querier
}

const entryColumns = `seq, id::text, tenant_id, program_type, program_id, customer_id, direction,
	amount::text, order_id, user_id, note, reversal_of::text, idempotency_key, created_at`

func (r *ledgerRepo) Append(ctx context.Context, e ledger.Entry) (ledger.EntryID, error) {
	_, err := r.q.Exec(ctx, `
		INSERT INTO loyalty_ledger
		(id, tenant_id, program_type, program_id, customer_id, direction, amount,
		 order_id, user_id, note, reversal_of, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		string(e.ID),
		int64(e.TenantID),
		string(e.ProgramType),
		int64(e.ProgramID),
		int64(e.CustomerID),
		string(e.Direction),
		e.Amount.String(),
		nullInt(e.OrderID),
		nullInt(int64(e.UserID)),
		e.Note,
		nullText(string(e.ReversalOf)),
		nullText(e.IdempotencyKey),
		e.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, "idx_loyalty_ledger_idempotency_key") {
			return "", ledger.ErrDuplicateIdempotencyKey
		}
		return "", fmt.Errorf("failed to append entry: %w", err)
	}
	return e.ID, nil
}

func (r *ledgerRepo) Query(ctx context.Context, key ledger.AccountKey, rg ledger.Range) ([]ledger.Entry, error) {
	var where strings.Builder
	where.WriteString("tenant_id = $1 AND program_type = $2 AND program_id = $3 AND customer_id = $4")
	args := []any{int64(key.TenantID), string(key.ProgramType), int64(key.ProgramID), int64(key.CustomerID)}
	if rg.Since != nil {
		args = append(args, rg.Since.UTC())
		where.WriteString(" AND created_at >= $" + strconv.Itoa(len(args)))
	}
	if rg.Until != nil {
		args = append(args, rg.Until.UTC())
		where.WriteString(" AND created_at <= $" + strconv.Itoa(len(args)))
	}

	rows, err := r.q.Query(ctx,
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
	row := r.q.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM loyalty_ledger WHERE tenant_id = $1 AND id::text = $2",
		int64(tenantID), string(id))
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func (r *ledgerRepo) Exists(ctx context.Context, tenantID ledger.TenantID, key string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM loyalty_ledger WHERE tenant_id = $1 AND idempotency_key = $2)",
		int64(tenantID), key,
	).Scan(&exists)
	return exists, err
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                                        ledger.Entry
		id, programType, direction, amount, note string
		tenant, programID, customerID            int64
		orderID, userID                          *int64
		reversalOf, idemKey                      *string
		createdAt                                time.Time
	)
	err := row.Scan(&e.Seq, &id, &tenant, &programType, &programID, &customerID,
		&direction, &amount, &orderID, &userID, &note, &reversalOf, &idemKey, &createdAt)
	if err != nil {
		return ledger.Entry{}, err
	}

	e.ID = ledger.EntryID(id)
	e.TenantID = ledger.TenantID(tenant)
	e.ProgramType = ledger.ProgramType(programType)
	e.ProgramID = ledger.ProgramID(programID)
	e.CustomerID = ledger.CustomerID(customerID)
	e.Direction = ledger.Direction(direction)
	e.Note = note
	e.CreatedAt = createdAt.UTC()
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if orderID != nil {
		e.OrderID = *orderID
	}
	if userID != nil {
		e.UserID = ledger.UserID(*userID)
	}
	if reversalOf != nil {
		e.ReversalOf = ledger.EntryID(*reversalOf)
	}
	if idemKey != nil {
		e.IdempotencyKey = *idemKey
	}
	return e, nil
}
