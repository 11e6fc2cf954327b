package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
)

// =============================================================================
// PROGRAM STORE (program.Store interface)
// =============================================================================

const programColumns = `id, tenant_id, program_type, name, status, start_at, end_at,
	earn_rule, redeem_rule, version, created_at, updated_at`

// SaveProgram inserts or updates p and rewrites the programs supersede
// returns, in one transaction.
func (s *Store) SaveProgram(ctx context.Context, p program.Program, supersede func(program.Program, []program.Program) []program.Program) (program.Program, error) {
	now := p.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	rule, err := json.Marshal(p.EarnRule)
	if err != nil {
		return program.Program{}, fmt.Errorf("failed to encode earn rule: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if p.ID == 0 {
			p.Version = 1
			p.CreatedAt = now
			p.UpdatedAt = now
			res, err := tx.ExecContext(ctx, `
				INSERT INTO loyalty_programs
				(tenant_id, program_type, name, status, start_at, end_at, earn_rule, redeem_rule, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.TenantID, p.Type, p.Name, p.Status, formatTime(p.StartAt), nullTime(p.EndAt),
				string(rule), nullString(string(p.RedeemRule)), p.Version, formatTime(now), formatTime(now),
			)
			if err != nil {
				return fmt.Errorf("failed to insert program: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			p.ID = ledger.ProgramID(id)
		} else {
			existing, err := getProgram(ctx, tx, p.TenantID, p.ID)
			if err != nil {
				return err
			}
			p.Version = existing.Version + 1
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			_, err = tx.ExecContext(ctx, `
				UPDATE loyalty_programs SET
					program_type = ?, name = ?, status = ?, start_at = ?, end_at = ?,
					earn_rule = ?, redeem_rule = ?, version = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ?`,
				p.Type, p.Name, p.Status, formatTime(p.StartAt), nullTime(p.EndAt),
				string(rule), nullString(string(p.RedeemRule)), p.Version, formatTime(now),
				p.TenantID, p.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update program: %w", err)
			}
		}

		if supersede == nil {
			return nil
		}
		others, err := queryPrograms(ctx, tx,
			"WHERE tenant_id = ? AND program_type = ? AND id <> ?", p.TenantID, p.Type, p.ID)
		if err != nil {
			return err
		}
		for _, o := range supersede(p, others) {
			_, err := tx.ExecContext(ctx, `
				UPDATE loyalty_programs SET status = ?, end_at = ?, version = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ?`,
				o.Status, nullTime(o.EndAt), o.Version, formatTime(o.UpdatedAt), o.TenantID, o.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to close program %d: %w", o.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return program.Program{}, err
	}
	return p, nil
}

func (s *Store) GetProgram(ctx context.Context, tenant ledger.TenantID, id ledger.ProgramID) (program.Program, error) {
	return getProgram(ctx, s.db, tenant, id)
}

func (s *Store) ListPrograms(ctx context.Context, tenant ledger.TenantID) ([]program.Program, error) {
	return queryPrograms(ctx, s.db, "WHERE tenant_id = ?", tenant)
}

func getProgram(ctx context.Context, q querier, tenant ledger.TenantID, id ledger.ProgramID) (program.Program, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+programColumns+" FROM loyalty_programs WHERE tenant_id = ? AND id = ?", tenant, id)
	p, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return program.Program{}, ledger.ErrProgramNotFound
	}
	return p, err
}

func queryPrograms(ctx context.Context, q querier, where string, args ...any) ([]program.Program, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+programColumns+" FROM loyalty_programs "+where+" ORDER BY program_type, start_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()

	var programs []program.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

func scanProgram(row scanner) (program.Program, error) {
	var (
		p                             program.Program
		startAt, createdAt, updatedAt string
		endAt, redeemRule             sql.NullString
		earnRule                      string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Type, &p.Name, &p.Status, &startAt, &endAt,
		&earnRule, &redeemRule, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return program.Program{}, err
	}

	if err := json.Unmarshal([]byte(earnRule), &p.EarnRule); err != nil {
		return program.Program{}, fmt.Errorf("program %d: bad earn rule: %w", p.ID, err)
	}
	if redeemRule.Valid {
		p.RedeemRule = json.RawMessage(redeemRule.String)
	}
	if p.StartAt, err = parseTime(startAt); err != nil {
		return program.Program{}, err
	}
	if endAt.Valid {
		t, err := parseTime(endAt.String)
		if err != nil {
			return program.Program{}, err
		}
		p.EndAt = &t
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return p, nil
}
