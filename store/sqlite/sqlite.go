/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One Store implements every persistence interface of the engine, so a
  single-file database is enough to run the whole service locally or on a
  small deployment. Production deployments with many writers use
  store/postgres, which keeps the same schema and semantics.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    append-only ledger plus the account lock
  program.Store:     program rows with the earn rule as a JSON document
  membership.Store:  the rewards facet of customers

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement on loyalty_ledger exists in this package
  - Triggers abort any UPDATE or DELETE issued by other tools
  - Corrections are reversal entries only

KEY TABLES:
  loyalty_ledger:     immutable entries; seq orders ties on created_at
  loyalty_accounts:   one row per account, the lock target
  loyalty_programs:   program configuration
  customers:          enrollment flag and member number
  schema_migrations:  applied migration versions

CONCURRENCY:
  SQLite has a single writer. The store keeps one connection, opens
  transactions with BEGIN IMMEDIATE and serializes writers on writeMu, so
  every WithAccountLock body sees a consistent snapshot and no other writer
  interleaves. Queries inside a unit of work always go through its *sql.Tx.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanoseconds, trailing Z), so text order is
  time order and range filters work on the raw column.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - migrations.go: versioned schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in one write transaction. fn's error rolls everything back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// ACCOUNT LOCK (ledger.TxStore)
// =============================================================================

// WithAccountLock runs fn inside one transaction holding the account row.
func (s *Store) WithAccountLock(ctx context.Context, key ledger.AccountKey, fn func(ledger.Store) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO loyalty_accounts
				(tenant_id, program_type, program_id, customer_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			key.TenantID, key.ProgramType, key.ProgramID, key.CustomerID, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to lock account %s: %w", key, err)
		}
		return fn(&ledgerRepo{q: tx})
	})
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isIdempotencyViolation(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key")
}
