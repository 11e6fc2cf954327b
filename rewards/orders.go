package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
)

// =============================================================================
// ORDER TRIGGERS - called by the order subsystem
// =============================================================================

// ExcludedInactive is reported when no live program applies to the order.
const ExcludedInactive = "inactive"

// OrderInput describes one order. ProgramID 0 selects the program of
// ProgramType that is live now.
type OrderInput struct {
	CustomerID  ledger.CustomerID
	ProgramType ledger.ProgramType
	ProgramID   ledger.ProgramID
	OrderID     int64
	Visit       int
	Channel     program.Channel
	Aggregator  bool
	Discounted  bool
	OrderBasis  decimal.Decimal
}

func (in OrderInput) eval() program.EvalInput {
	return program.EvalInput{
		Visit:      in.Visit,
		Channel:    in.Channel,
		Aggregator: in.Aggregator,
		Discounted: in.Discounted,
		OrderBasis: in.OrderBasis,
	}
}

type RedeemInput struct {
	CustomerID  ledger.CustomerID
	ProgramType ledger.ProgramType
	ProgramID   ledger.ProgramID
	OrderID     int64
	Visit       int
	Amount      decimal.Decimal
}

// Outcome is what the order subsystem gets back.
type Outcome struct {
	ProgramID  ledger.ProgramID
	Enrolled   bool
	Evaluation program.Evaluation

	// Entry is nil when nothing was posted.
	Entry   *ledger.Entry
	Balance ledger.Balance

	// AlreadyApplied is set when the order was handled by an earlier call.
	AlreadyApplied bool
}

// Evaluate reports what the order would earn and could redeem. No writes.
func (s *Service) Evaluate(ctx context.Context, rc reqctx.RequestContext, in OrderInput) (Outcome, error) {
	if err := rc.Validate(); err != nil {
		return Outcome{}, err
	}
	cust, err := s.customers.GetCustomer(ctx, rc.TenantID, in.CustomerID)
	if err != nil {
		return Outcome{}, err
	}
	now := s.clock.Now()
	prog, err := s.orderProgram(ctx, rc, in.ProgramType, in.ProgramID, now)
	if err != nil {
		return Outcome{}, err
	}

	key := prog.AccountKey(in.CustomerID)
	entries, err := ledger.Entries(ctx, s.ledger, key, time.Time{})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ProgramID: prog.ID, Enrolled: cust.RewardsEnrolled, Balance: ledger.Sum(key, entries, time.Time{})}
	out.Evaluation = s.evaluate(prog, in.eval(), ledger.BuildLots(entries, prog.EarnRule.Expiry.Days), now)
	return out, nil
}

// AwardOrder posts the earn of an order. Calling it again for the same
// order and program returns AlreadyApplied without posting.
func (s *Service) AwardOrder(ctx context.Context, rc reqctx.RequestContext, in OrderInput) (Outcome, error) {
	if err := rc.Validate(); err != nil {
		return Outcome{}, err
	}
	if in.OrderID <= 0 {
		return Outcome{}, ErrMissingOrder
	}
	if err := s.requireEnrolled(ctx, rc, in.CustomerID); err != nil {
		return Outcome{}, err
	}
	now := s.clock.Now()
	prog, err := s.orderProgram(ctx, rc, in.ProgramType, in.ProgramID, now)
	if err != nil {
		return Outcome{}, err
	}

	key := prog.AccountKey(in.CustomerID)
	idem := fmt.Sprintf("award:%d:%d", prog.ID, in.OrderID)
	out := Outcome{ProgramID: prog.ID, Enrolled: true}

	err = s.ledger.WithAccountLock(ctx, key, func(tx ledger.Store) error {
		done, err := tx.Exists(ctx, rc.TenantID, idem)
		if err != nil {
			return err
		}
		entries, err := ledger.Entries(ctx, tx, key, time.Time{})
		if err != nil {
			return err
		}
		out.Evaluation = s.evaluate(prog, in.eval(), ledger.BuildLots(entries, prog.EarnRule.Expiry.Days), now)
		out.Balance = ledger.Sum(key, entries, time.Time{})
		if done {
			out.AlreadyApplied = true
			return nil
		}
		if !out.Evaluation.EarnAmount.IsPositive() {
			return nil
		}

		posted, err := ledger.Post(ctx, tx, ledger.Entry{
			TenantID:       rc.TenantID,
			ProgramType:    prog.Type,
			ProgramID:      prog.ID,
			CustomerID:     in.CustomerID,
			Direction:      ledger.DirectionEarn,
			Amount:         out.Evaluation.EarnAmount,
			OrderID:        in.OrderID,
			UserID:         rc.UserID,
			IdempotencyKey: idem,
		}, now)
		if err != nil {
			return err
		}
		out.Entry = &posted
		out.Balance, err = ledger.NewBalanceCalculator(tx).Balance(ctx, key, time.Time{})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Entry != nil {
		s.logPosted(rc, *out.Entry, out.Balance, "order earn posted")
		s.notify(ctx, *out.Entry, out.Balance)
	}
	return out, nil
}

// Redeem posts a redemption against the customer's unexpired lots.
// The amount must be covered by what is redeemable now; expired or
// consumed value never counts.
func (s *Service) Redeem(ctx context.Context, rc reqctx.RequestContext, in RedeemInput) (Outcome, error) {
	if err := rc.Validate(); err != nil {
		return Outcome{}, err
	}
	if in.OrderID <= 0 {
		return Outcome{}, ErrMissingOrder
	}
	if !in.Amount.IsPositive() {
		return Outcome{}, ledger.ErrInvalidAmount
	}
	if err := s.requireEnrolled(ctx, rc, in.CustomerID); err != nil {
		return Outcome{}, err
	}
	prog, err := s.program(ctx, rc, in.ProgramType, in.ProgramID)
	if err != nil {
		return Outcome{}, err
	}

	now := s.clock.Now()
	key := prog.AccountKey(in.CustomerID)
	idem := fmt.Sprintf("redeem:%d:%d", prog.ID, in.OrderID)
	out := Outcome{ProgramID: prog.ID, Enrolled: true}

	err = s.ledger.WithAccountLock(ctx, key, func(tx ledger.Store) error {
		done, err := tx.Exists(ctx, rc.TenantID, idem)
		if err != nil {
			return err
		}
		entries, err := ledger.Entries(ctx, tx, key, time.Time{})
		if err != nil {
			return err
		}
		lots := ledger.BuildLots(entries, prog.EarnRule.Expiry.Days)
		out.Evaluation = program.Evaluate(prog.EarnRule, prog.Type, program.EvalInput{Visit: in.Visit}, lots, now)
		out.Balance = ledger.Sum(key, entries, time.Time{})
		if done {
			out.AlreadyApplied = true
			return nil
		}
		if !out.Evaluation.EligibleForRedeem {
			return ErrNotRedeemable
		}
		if !lots.Covers(in.Amount, now) {
			return fmt.Errorf("%w: redeemable %s, requested %s",
				ErrRedeemExceedsAvailable, out.Evaluation.RedeemableAmount, in.Amount)
		}

		posted, err := ledger.Post(ctx, tx, ledger.Entry{
			TenantID:       rc.TenantID,
			ProgramType:    prog.Type,
			ProgramID:      prog.ID,
			CustomerID:     in.CustomerID,
			Direction:      ledger.DirectionRedeem,
			Amount:         in.Amount,
			OrderID:        in.OrderID,
			UserID:         rc.UserID,
			IdempotencyKey: idem,
		}, now)
		if err != nil {
			return err
		}
		out.Entry = &posted
		out.Balance, err = ledger.NewBalanceCalculator(tx).Balance(ctx, key, time.Time{})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Entry != nil {
		s.logPosted(rc, *out.Entry, out.Balance, "order redemption posted")
		s.notify(ctx, *out.Entry, out.Balance)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// evaluate runs the evaluator, earning nothing when the program is not live.
func (s *Service) evaluate(prog program.Program, in program.EvalInput, lots ledger.Lots, now time.Time) program.Evaluation {
	ev := program.Evaluate(prog.EarnRule, prog.Type, in, lots, now)
	if !prog.LiveAt(now) {
		ev.EarnAmount = decimal.Zero
		ev.Tier = nil
		ev.Excluded = ExcludedInactive
	}
	return ev
}

func (s *Service) orderProgram(ctx context.Context, rc reqctx.RequestContext, t ledger.ProgramType, id ledger.ProgramID, now time.Time) (program.Program, error) {
	if id != 0 {
		return s.program(ctx, rc, t, id)
	}
	if !t.Valid() {
		return program.Program{}, fmt.Errorf("%w: %q", ledger.ErrInvalidProgramType, t)
	}
	all, err := s.programs.ListPrograms(ctx, rc.TenantID)
	if err != nil {
		return program.Program{}, err
	}
	return program.PickActive(all, t, now)
}

func (s *Service) requireEnrolled(ctx context.Context, rc reqctx.RequestContext, id ledger.CustomerID) error {
	c, err := s.customers.GetCustomer(ctx, rc.TenantID, id)
	if err != nil {
		return err
	}
	if !c.RewardsEnrolled {
		return ErrNotEnrolled
	}
	return nil
}
