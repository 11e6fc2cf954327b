package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema step. Versions are applied in order and recorded
// in schema_migrations; a recorded version is never run again.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "ledger",
		sql: `
		-- Entries (append-only)
		CREATE TABLE loyalty_ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			tenant_id INTEGER NOT NULL,
			program_type TEXT NOT NULL,
			program_id INTEGER NOT NULL,
			customer_id INTEGER NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('earn', 'redeem', 'credit', 'debit')),
			amount TEXT NOT NULL,
			order_id INTEGER,
			user_id INTEGER,
			note TEXT NOT NULL DEFAULT '',
			reversal_of TEXT,
			idempotency_key TEXT,
			created_at TEXT NOT NULL
		);

		-- Balance and lot replay (hot path)
		CREATE INDEX idx_loyalty_ledger_account
			ON loyalty_ledger(tenant_id, program_type, program_id, customer_id, created_at);

		CREATE UNIQUE INDEX idx_loyalty_ledger_idempotency_key
			ON loyalty_ledger(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

		CREATE TRIGGER loyalty_ledger_no_update BEFORE UPDATE ON loyalty_ledger
		BEGIN
			SELECT RAISE(ABORT, 'loyalty_ledger is append-only');
		END;

		CREATE TRIGGER loyalty_ledger_no_delete BEFORE DELETE ON loyalty_ledger
		BEGIN
			SELECT RAISE(ABORT, 'loyalty_ledger is append-only');
		END;

		-- One row per account; the lock target
		CREATE TABLE loyalty_accounts (
			tenant_id INTEGER NOT NULL,
			program_type TEXT NOT NULL,
			program_id INTEGER NOT NULL,
			customer_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, program_type, program_id, customer_id)
		);
		`,
	},
	{
		version: 2,
		name:    "programs",
		sql: `
		CREATE TABLE loyalty_programs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			program_type TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_at TEXT NOT NULL,
			end_at TEXT,
			earn_rule TEXT NOT NULL,
			redeem_rule TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX idx_loyalty_programs_tenant_type
			ON loyalty_programs(tenant_id, program_type);
		`,
	},
	{
		version: 3,
		name:    "customers",
		sql: `
		CREATE TABLE customers (
			tenant_id INTEGER NOT NULL,
			id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			rewards_enrolled INTEGER NOT NULL DEFAULT 0,
			rewards_member_no TEXT,
			discount_scheme_id INTEGER,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE UNIQUE INDEX idx_customers_member_no
			ON customers(tenant_id, rewards_member_no) WHERE rewards_member_no IS NOT NULL;
		`,
	},
}

// migrate applies every migration newer than the recorded version.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.version, m.name, formatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}
