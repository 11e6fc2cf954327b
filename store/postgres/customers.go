package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
)

// =============================================================================
// CUSTOMER STORE (membership.Store interface)
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) (membership.Customer, error) {
	return getCustomer(ctx, s.pool, tenant, id)
}

// SaveCustomer upserts the CRM fields. Enrollment fields are not touched.
func (s *Store) SaveCustomer(ctx context.Context, c membership.Customer) (membership.Customer, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (tenant_id, id, name, discount_scheme_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			discount_scheme_id = EXCLUDED.discount_scheme_id,
			updated_at = EXCLUDED.updated_at`,
		int64(c.TenantID), int64(c.ID), c.Name, c.DiscountSchemeID, time.Now().UTC(),
	)
	if err != nil {
		return membership.Customer{}, fmt.Errorf("failed to save customer: %w", err)
	}
	return getCustomer(ctx, s.pool, c.TenantID, c.ID)
}

// Enroll sets the flag and keeps the first member number ever stored.
func (s *Store) Enroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID, memberNo string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx, `
		UPDATE customers SET
			rewards_enrolled = TRUE,
			rewards_member_no = COALESCE(rewards_member_no, $1),
			updated_at = $2
		WHERE tenant_id = $3 AND id = $4
		RETURNING rewards_member_no`,
		memberNo, time.Now().UTC(), int64(tenant), int64(id),
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ledger.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to enroll customer: %w", err)
	}
	return stored, nil
}

func (s *Store) Unenroll(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE customers SET rewards_enrolled = FALSE, updated_at = $1 WHERE tenant_id = $2 AND id = $3",
		time.Now().UTC(), int64(tenant), int64(id),
	)
	if err != nil {
		return fmt.Errorf("failed to unenroll customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func getCustomer(ctx context.Context, q querier, tenant ledger.TenantID, id ledger.CustomerID) (membership.Customer, error) {
	var (
		c                membership.Customer
		tenantID, custID int64
		memberNo         *string
	)
	err := q.QueryRow(ctx, `
		SELECT tenant_id, id, name, rewards_enrolled, rewards_member_no, discount_scheme_id, updated_at
		FROM customers WHERE tenant_id = $1 AND id = $2`, int64(tenant), int64(id),
	).Scan(&tenantID, &custID, &c.Name, &c.RewardsEnrolled, &memberNo, &c.DiscountSchemeID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return membership.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return membership.Customer{}, err
	}
	c.TenantID = ledger.TenantID(tenantID)
	c.ID = ledger.CustomerID(custID)
	if memberNo != nil {
		c.RewardsMemberNo = *memberNo
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}
