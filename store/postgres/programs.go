package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
)

// =============================================================================
// PROGRAM STORE (program.Store interface)
// =============================================================================

const programColumns = `id, tenant_id, program_type, name, status, start_at, end_at,
	earn_rule::text, redeem_rule::text, version, created_at, updated_at`

func (s *Store) SaveProgram(ctx context.Context, p program.Program, supersede func(program.Program, []program.Program) []program.Program) (program.Program, error) {
	now := p.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	rule, err := json.Marshal(p.EarnRule)
	if err != nil {
		return program.Program{}, fmt.Errorf("failed to encode earn rule: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		// One save per tenant and type at a time, so the supersede read below
		// sees every program committed before it.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, programLockKey(p.TenantID, p.Type)); err != nil {
			return fmt.Errorf("failed to lock programs of %s: %w", p.Type, err)
		}
		if p.ID == 0 {
			p.Version = 1
			p.CreatedAt = now
			p.UpdatedAt = now
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO loyalty_programs
				(tenant_id, program_type, name, status, start_at, end_at, earn_rule, redeem_rule, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11)
				RETURNING id`,
				int64(p.TenantID), string(p.Type), p.Name, string(p.Status), p.StartAt.UTC(), endAt(p.EndAt),
				string(rule), nullText(string(p.RedeemRule)), p.Version, now, now,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert program: %w", err)
			}
			p.ID = ledger.ProgramID(id)
		} else {
			// FOR UPDATE keeps concurrent edits from reusing a version number.
			existing, err := getProgram(ctx, tx, p.TenantID, p.ID, " FOR UPDATE")
			if err != nil {
				return err
			}
			p.Version = existing.Version + 1
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			_, err = tx.Exec(ctx, `
				UPDATE loyalty_programs SET
					program_type = $1, name = $2, status = $3, start_at = $4, end_at = $5,
					earn_rule = $6::jsonb, redeem_rule = $7::jsonb, version = $8, updated_at = $9
				WHERE tenant_id = $10 AND id = $11`,
				string(p.Type), p.Name, string(p.Status), p.StartAt.UTC(), endAt(p.EndAt),
				string(rule), nullText(string(p.RedeemRule)), p.Version, now,
				int64(p.TenantID), int64(p.ID),
			)
			if err != nil {
				return fmt.Errorf("failed to update program: %w", err)
			}
		}

		if supersede == nil {
			return nil
		}
		others, err := queryPrograms(ctx, tx,
			"WHERE tenant_id = $1 AND program_type = $2 AND id <> $3",
			int64(p.TenantID), string(p.Type), int64(p.ID))
		if err != nil {
			return err
		}
		for _, o := range supersede(p, others) {
			_, err := tx.Exec(ctx, `
				UPDATE loyalty_programs SET status = $1, end_at = $2, version = $3, updated_at = $4
				WHERE tenant_id = $5 AND id = $6`,
				string(o.Status), endAt(o.EndAt), o.Version, o.UpdatedAt.UTC(), int64(o.TenantID), int64(o.ID),
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

func programLockKey(tenant ledger.TenantID, t ledger.ProgramType) string {
	return fmt.Sprintf("loyalty_programs:%d:%s", tenant, t)
}

func (s *Store) GetProgram(ctx context.Context, tenant ledger.TenantID, id ledger.ProgramID) (program.Program, error) {
	return getProgram(ctx, s.pool, tenant, id, "")
}

func (s *Store) ListPrograms(ctx context.Context, tenant ledger.TenantID) ([]program.Program, error) {
	return queryPrograms(ctx, s.pool, "WHERE tenant_id = $1", int64(tenant))
}

func getProgram(ctx context.Context, q querier, tenant ledger.TenantID, id ledger.ProgramID, suffix string) (program.Program, error) {
	row := q.QueryRow(ctx,
		"SELECT "+programColumns+" FROM loyalty_programs WHERE tenant_id = $1 AND id = $2"+suffix,
		int64(tenant), int64(id))
	p, err := scanProgram(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return program.Program{}, ledger.ErrProgramNotFound
	}
	return p, err
}

func queryPrograms(ctx context.Context, q querier, where string, args ...any) ([]program.Program, error) {
	rows, err := q.Query(ctx,
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

func scanProgram(row pgx.Row) (program.Program, error) {
	var (
		p                             program.Program
		id, tenant                    int64
		programType, status, earnRule string
		redeemRule                    *string
		startAt, createdAt, updatedAt time.Time
		end                           *time.Time
	)
	err := row.Scan(&id, &tenant, &programType, &p.Name, &status, &startAt, &end,
		&earnRule, &redeemRule, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return program.Program{}, err
	}

	p.ID = ledger.ProgramID(id)
	p.TenantID = ledger.TenantID(tenant)
	p.Type = ledger.ProgramType(programType)
	p.Status = program.Status(status)
	p.StartAt = startAt.UTC()
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	if end != nil {
		t := end.UTC()
		p.EndAt = &t
	}
	if err := json.Unmarshal([]byte(earnRule), &p.EarnRule); err != nil {
		return program.Program{}, fmt.Errorf("program %d: bad earn rule: %w", p.ID, err)
	}
	if redeemRule != nil {
		p.RedeemRule = json.RawMessage(*redeemRule)
	}
	return p, nil
}

func endAt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
