package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
)

// =============================================================================
// CUSTOMER STORE (membership.Store interface)
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) (membership.Customer, error) {
	return getCustomer(ctx, s.db, tenant, id)
}

// SaveCustomer upserts the CRM fields. Enrollment fields are not touched.
func (s *Store) SaveCustomer(ctx context.Context, c membership.Customer) (membership.Customer, error) {
	var saved membership.Customer
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var scheme sql.NullInt64
		if c.DiscountSchemeID != nil {
			scheme = sql.NullInt64{Int64: *c.DiscountSchemeID, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (tenant_id, id, name, discount_scheme_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, id) DO UPDATE SET
				name = excluded.name,
				discount_scheme_id = excluded.discount_scheme_id,
				updated_at = excluded.updated_at`,
			c.TenantID, c.ID, c.Name, scheme, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save customer: %w", err)
		}
		saved, err = getCustomer(ctx, tx, c.TenantID, c.ID)
		return err
	})
	return saved, err
}

// Enroll sets the flag and keeps the first member number ever stored.
func (s *Store) Enroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID, memberNo string) (string, error) {
	var stored string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE customers SET
				rewards_enrolled = 1,
				rewards_member_no = COALESCE(rewards_member_no, ?),
				updated_at = ?
			WHERE tenant_id = ? AND id = ?`,
			memberNo, formatTime(time.Now()), tenant, id,
		)
		if err != nil {
			return fmt.Errorf("failed to enroll customer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ledger.ErrCustomerNotFound
		}
		return tx.QueryRowContext(ctx,
			"SELECT rewards_member_no FROM customers WHERE tenant_id = ? AND id = ?", tenant, id,
		).Scan(&stored)
	})
	return stored, err
}

func (s *Store) Unenroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE customers SET rewards_enrolled = 0, updated_at = ? WHERE tenant_id = ? AND id = ?",
			formatTime(time.Now()), tenant, id,
		)
		if err != nil {
			return fmt.Errorf("failed to unenroll customer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ledger.ErrCustomerNotFound
		}
		return nil
	})
}

func getCustomer(ctx context.Context, q querier, tenant ledger.TenantID, id ledger.CustomerID) (membership.Customer, error) {
	var (
		c         membership.Customer
		enrolled  bool
		memberNo  sql.NullString
		scheme    sql.NullInt64
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT tenant_id, id, name, rewards_enrolled, rewards_member_no, discount_scheme_id, updated_at
		FROM customers WHERE tenant_id = ? AND id = ?`, tenant, id,
	).Scan(&c.TenantID, &c.ID, &c.Name, &enrolled, &memberNo, &scheme, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return membership.Customer{}, err
	}
	c.RewardsEnrolled = enrolled
	c.RewardsMemberNo = memberNo.String
	if scheme.Valid {
		v := scheme.Int64
		c.DiscountSchemeID = &v
	}
	c.UpdatedAt, _ = parseTime(updatedAt)
	return c, nil
}
