/*
Package rewards is the adjustment service: the only writer of ledger entries.

PURPOSE:
  Manual credits/debits from the admin UI and automatic earn/redeem from the
  order subsystem all go through Service. Each write is one unit of work:

    validate -> tenant ownership -> account lock -> check -> post -> recompute

  Either the entry is committed and the returned balance includes it, or
  nothing is written and an error is returned.

OPERATIONS:
  Adjust      manual credit/debit, debit may not overdraw
  Evaluate    what an order would earn and could redeem, no writes
  AwardOrder  post the earn of an order, once per order
  Redeem      post a redemption, FIFO against unexpired lots, once per order
  Reverse     post the mirror of an entry, once per entry
  Balance     point-in-time balance plus the redeemable view
  History     recent entries, newest first

AFTER COMMIT:
  The Notifier (balance cache) is called with the new entry and balance.
  Its failures are logged and never undo the entry.
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ProgramReader is the part of program.Store the service needs.
type ProgramReader interface {
	GetProgram(ctx context.Context, tenant ledger.TenantID, id ledger.ProgramID) (program.Program, error)
	ListPrograms(ctx context.Context, tenant ledger.TenantID) ([]program.Program, error)
}

// CustomerReader is the part of membership.Store the service needs.
type CustomerReader interface {
	GetCustomer(ctx context.Context, tenant ledger.TenantID, id ledger.CustomerID) (membership.Customer, error)
}

type Service struct {
	ledger    ledger.TxStore
	programs  ProgramReader
	customers CustomerReader
	notifier  ledger.Notifier
	clock     ledger.Clock
}

func NewService(store ledger.TxStore, programs ProgramReader, customers CustomerReader) *Service {
	return &Service{
		ledger:    store,
		programs:  programs,
		customers: customers,
		notifier:  ledger.NopNotifier{},
		clock:     ledger.SystemClock{},
	}
}

// WithNotifier sets the downstream consumer told about committed entries.
func (s *Service) WithNotifier(n ledger.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) WithClock(c ledger.Clock) *Service {
	if c != nil {
		s.clock = c
	}
	return s
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

type AdjustInput struct {
	CustomerID  ledger.CustomerID
	ProgramType ledger.ProgramType
	ProgramID   ledger.ProgramID
	Direction   ledger.Direction
	Amount      decimal.Decimal
	Reason      string
}

// Adjust posts one manual credit or debit and returns the balance after it.
func (s *Service) Adjust(ctx context.Context, rc reqctx.RequestContext, in AdjustInput) (ledger.Balance, error) {
	if err := rc.Validate(); err != nil {
		return ledger.Balance{}, err
	}
	// Validation errors come first, before any store access.
	if !in.Direction.IsManual() {
		return ledger.Balance{}, fmt.Errorf("%w: adjustments are credit or debit, got %q", ledger.ErrInvalidDirection, in.Direction)
	}
	if !in.Amount.IsPositive() {
		return ledger.Balance{}, ledger.ErrInvalidAmount
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return ledger.Balance{}, ledger.ErrMissingReason
	}
	if !in.ProgramType.Valid() {
		return ledger.Balance{}, fmt.Errorf("%w: %q", ledger.ErrInvalidProgramType, in.ProgramType)
	}

	if _, err := s.customers.GetCustomer(ctx, rc.TenantID, in.CustomerID); err != nil {
		return ledger.Balance{}, err
	}
	prog, err := s.program(ctx, rc, in.ProgramType, in.ProgramID)
	if err != nil {
		return ledger.Balance{}, err
	}

	entry := ledger.Entry{
		TenantID:    rc.TenantID,
		ProgramType: prog.Type,
		ProgramID:   prog.ID,
		CustomerID:  in.CustomerID,
		Direction:   in.Direction,
		Amount:      in.Amount,
		UserID:      rc.UserID,
		Note:        reason,
	}
	if err := entry.Validate(); err != nil {
		return ledger.Balance{}, err
	}

	key := entry.Key()
	var posted ledger.Entry
	var bal ledger.Balance
	err = s.ledger.WithAccountLock(ctx, key, func(tx ledger.Store) error {
		calc := ledger.NewBalanceCalculator(tx)
		if in.Direction == ledger.DirectionDebit {
			if err := requireBalance(ctx, calc, key, in.Amount); err != nil {
				return err
			}
		}
		var err error
		posted, err = ledger.Post(ctx, tx, entry, s.clock.Now())
		if err != nil {
			return err
		}
		bal, err = calc.Balance(ctx, key, time.Time{})
		return err
	})
	if err != nil {
		return ledger.Balance{}, err
	}

	s.logPosted(rc, posted, bal, "manual adjustment posted")
	s.notify(ctx, posted, bal)
	return bal, nil
}

// requireBalance rejects when the current balance cannot cover amount.
func requireBalance(ctx context.Context, calc *ledger.BalanceCalculator, key ledger.AccountKey, amount decimal.Decimal) error {
	current, err := calc.Balance(ctx, key, time.Time{})
	if err != nil {
		return err
	}
	if current.Current().Sub(amount).IsNegative() {
		return &ledger.InsufficientBalanceError{Key: key, Available: current.Current(), Requested: amount}
	}
	return nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse posts the mirror of entry id. Each entry can be reversed once.
// Reversing an increase may not overdraw the account.
func (s *Service) Reverse(ctx context.Context, rc reqctx.RequestContext, id ledger.EntryID, reason string) (ledger.Entry, ledger.Balance, error) {
	if err := rc.Validate(); err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.Entry{}, ledger.Balance{}, ledger.ErrMissingReason
	}
	orig, err := s.ledger.Get(ctx, rc.TenantID, id)
	if err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}
	if orig.ReversalOf != "" {
		return ledger.Entry{}, ledger.Balance{}, ErrReversalNotReversible
	}

	rev := ledger.ReversalOf(orig, rc.UserID, reason)
	key := orig.Key()
	var posted ledger.Entry
	var bal ledger.Balance
	err = s.ledger.WithAccountLock(ctx, key, func(tx ledger.Store) error {
		calc := ledger.NewBalanceCalculator(tx)
		if !rev.Direction.Increases() {
			if err := requireBalance(ctx, calc, key, rev.Amount); err != nil {
				return err
			}
		}
		var err error
		posted, err = ledger.Post(ctx, tx, rev, s.clock.Now())
		if err != nil {
			return err
		}
		bal, err = calc.Balance(ctx, key, time.Time{})
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return ledger.Entry{}, ledger.Balance{}, ErrAlreadyReversed
	}
	if err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}

	s.logPosted(rc, posted, bal, "entry reversed")
	s.notify(ctx, posted, bal)
	return posted, bal, nil
}

// =============================================================================
// READS
// =============================================================================

// Summary is the balance of one account plus its redeemable view.
type Summary struct {
	Balance    ledger.Balance
	Redeemable decimal.Decimal
	Expired    decimal.Decimal
	NextExpiry *time.Time
}

// Balance returns the account summary at asOf (zero = now). An empty
// key.ProgramType takes the type of the program.
func (s *Service) Balance(ctx context.Context, rc reqctx.RequestContext, key ledger.AccountKey, asOf time.Time) (Summary, error) {
	if err := rc.Validate(); err != nil {
		return Summary{}, err
	}
	prog, err := s.program(ctx, rc, key.ProgramType, key.ProgramID)
	if err != nil {
		return Summary{}, err
	}
	key = prog.AccountKey(key.CustomerID)
	if _, err := s.customers.GetCustomer(ctx, rc.TenantID, key.CustomerID); err != nil {
		return Summary{}, err
	}

	entries, err := ledger.Entries(ctx, s.ledger, key, asOf)
	if err != nil {
		return Summary{}, err
	}
	at := asOf
	if at.IsZero() {
		at = s.clock.Now()
	}
	lots := ledger.BuildLots(entries, prog.EarnRule.Expiry.Days)
	return Summary{
		Balance:    ledger.Sum(key, entries, asOf),
		Redeemable: lots.Redeemable(at),
		Expired:    lots.Expired(at),
		NextExpiry: lots.NextExpiry(at),
	}, nil
}

// History returns up to limit entries of the account, newest first.
func (s *Service) History(ctx context.Context, rc reqctx.RequestContext, key ledger.AccountKey, limit int) ([]ledger.Entry, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	prog, err := s.program(ctx, rc, key.ProgramType, key.ProgramID)
	if err != nil {
		return nil, err
	}
	key = prog.AccountKey(key.CustomerID)
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	entries, err := s.ledger.Query(ctx, key, ledger.Range{})
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// program loads a program of the tenant and checks its type.
func (s *Service) program(ctx context.Context, rc reqctx.RequestContext, t ledger.ProgramType, id ledger.ProgramID) (program.Program, error) {
	p, err := s.programs.GetProgram(ctx, rc.TenantID, id)
	if err != nil {
		return program.Program{}, err
	}
	if t != "" && p.Type != t {
		return program.Program{}, fmt.Errorf("%w: program %d is not a %s program", ledger.ErrProgramNotFound, id, t)
	}
	return p, nil
}

func (s *Service) notify(ctx context.Context, e ledger.Entry, b ledger.Balance) {
	if err := s.notifier.EntryPosted(ctx, e, b); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"tenant_id": e.TenantID,
			"account":   e.Key().String(),
			"entry_id":  e.ID,
		}).Warn("balance notifier failed")
	}
}

func (s *Service) logPosted(rc reqctx.RequestContext, e ledger.Entry, b ledger.Balance, msg string) {
	log.WithFields(log.Fields{
		"tenant_id":   e.TenantID,
		"customer_id": e.CustomerID,
		"program_id":  e.ProgramID,
		"type":        e.ProgramType,
		"direction":   e.Direction,
		"amount":      e.Amount.String(),
		"balance":     b.Current().String(),
		"entry_id":    e.ID,
		"user_id":     rc.UserID,
		"request_id":  rc.RequestID,
	}).Info(msg)
}
