package rewards

import (
	"errors"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
)

var (
	ErrNotEnrolled            = errors.New("customer is not enrolled in rewards")
	ErrNotRedeemable          = errors.New("nothing is redeemable for this visit")
	ErrRedeemExceedsAvailable = errors.New("redemption exceeds the redeemable amount")
	ErrAlreadyReversed        = errors.New("entry has already been reversed")
	ErrReversalNotReversible  = errors.New("a reversal entry cannot be reversed")
	ErrMissingOrder           = errors.New("order id is required")
)

// IsStateError reports whether err is a business rule rejection: the
// request was well-formed but the ledger state does not allow it.
func IsStateError(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrNotEnrolled) ||
		errors.Is(err, ErrNotRedeemable) ||
		errors.Is(err, ErrRedeemExceedsAvailable) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrReversalNotReversible)
}

// IsValidationError reports whether err was caused by malformed input.
func IsValidationError(err error) bool {
	return ledger.IsValidation(err) ||
		errors.Is(err, reqctx.ErrMissingTenant) ||
		errors.Is(err, program.ErrInvalidProgram) ||
		errors.Is(err, ErrMissingOrder)
}
