package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "ledger", migration001Ledger},
	{2, "programs", migration002Programs},
	{3, "customers", migration003Customers},
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			// Serializes replicas starting at the same time.
			if _, err := tx.Exec(ctx, "LOCK TABLE schema_migrations IN EXCLUSIVE MODE"); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", m.version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.version, m.name,
			); err != nil {
				return err
			}
			log.WithField("version", m.version).Infof("migration %s applied", m.name)
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

const migration001Ledger = `
CREATE TABLE loyalty_ledger (
    seq BIGSERIAL PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    tenant_id BIGINT NOT NULL,
    program_type TEXT NOT NULL,
    program_id BIGINT NOT NULL,
    customer_id BIGINT NOT NULL,
    direction TEXT NOT NULL CHECK (direction IN ('earn', 'redeem', 'credit', 'debit')),
    amount NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
    order_id BIGINT,
    user_id BIGINT,
    note TEXT NOT NULL DEFAULT '',
    reversal_of UUID,
    idempotency_key TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_loyalty_ledger_account
    ON loyalty_ledger (tenant_id, program_type, program_id, customer_id, created_at);

CREATE UNIQUE INDEX idx_loyalty_ledger_idempotency_key
    ON loyalty_ledger (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE FUNCTION loyalty_ledger_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'loyalty_ledger is append-only';
END;
$$ LANGUAGE plpgsql;

CREATE TRIGGER loyalty_ledger_no_update_delete
    BEFORE UPDATE OR DELETE ON loyalty_ledger
    FOR EACH ROW EXECUTE FUNCTION loyalty_ledger_append_only();

CREATE TABLE loyalty_accounts (
    tenant_id BIGINT NOT NULL,
    program_type TEXT NOT NULL,
    program_id BIGINT NOT NULL,
    customer_id BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, program_type, program_id, customer_id)
);
`

const migration002Programs = `
CREATE TABLE loyalty_programs (
    id BIGSERIAL PRIMARY KEY,
    tenant_id BIGINT NOT NULL,
    program_type TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    start_at TIMESTAMPTZ NOT NULL,
    end_at TIMESTAMPTZ,
    earn_rule JSONB NOT NULL,
    redeem_rule JSONB,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_loyalty_programs_tenant_type ON loyalty_programs (tenant_id, program_type);
`

const migration003Customers = `
CREATE TABLE customers (
    tenant_id BIGINT NOT NULL,
    id BIGINT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    rewards_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
    rewards_member_no TEXT,
    discount_scheme_id BIGINT,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, id)
);

CREATE UNIQUE INDEX idx_customers_member_no
    ON customers (tenant_id, rewards_member_no) WHERE rewards_member_no IS NOT NULL;
`
