/*
Package postgres provides the PostgreSQL implementation of the storage
interfaces, for deployments with several application replicas.

SEMANTICS:
  Identical to store/sqlite: same tables, same append-only rules, same
  errors. Only the locking differs:

  WithAccountLock:
    BEGIN
    INSERT INTO loyalty_accounts ... ON CONFLICT DO NOTHING
    SELECT ... FROM loyalty_accounts WHERE <key> FOR UPDATE
    fn(tx)
    COMMIT (or ROLLBACK if fn failed)

  Two writers on the same account queue on the row lock; writers on
  different accounts never block each other.

AMOUNTS:
  NUMERIC columns, read back as text and parsed into decimal.Decimal so no
  value ever passes through float64.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
)

type Options struct {
	URL      string
	MaxConns int32
}

type Store struct {
	pool *pgxpool.Pool
}

// New connects, checks the database is reachable and applies migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// ACCOUNT LOCK (ledger.TxStore)
// =============================================================================

func (s *Store) WithAccountLock(ctx context.Context, key ledger.AccountKey, fn func(ledger.Store) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO loyalty_accounts (tenant_id, program_type, program_id, customer_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			int64(key.TenantID), string(key.ProgramType), int64(key.ProgramID), int64(key.CustomerID))
		if err != nil {
			return fmt.Errorf("failed to create account %s: %w", key, err)
		}
		var one int
		err = tx.QueryRow(ctx, `
			SELECT 1 FROM loyalty_accounts
			WHERE tenant_id = $1 AND program_type = $2 AND program_id = $3 AND customer_id = $4
			FOR UPDATE`,
			int64(key.TenantID), string(key.ProgramType), int64(key.ProgramID), int64(key.CustomerID),
		).Scan(&one)
		if err != nil {
			return fmt.Errorf("failed to lock account %s: %w", key, err)
		}
		return fn(&ledgerRepo{q: tx})
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
