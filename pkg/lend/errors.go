package lend

import "errors"

// Ledger errors. Every precondition violation is detected before any
// mutation, so a failed operation leaves the account unchanged and
// appends no event.
var (
	// ErrZeroAmount rejects operations on a zero (or nil) amount.
	ErrZeroAmount = errors.New("amount must be positive")

	// ErrInsufficientCollateral rejects a borrow that would push debt
	// past the collateral cap.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrNoOutstandingDebt rejects repayment when nothing is owed.
	ErrNoOutstandingDebt = errors.New("no outstanding debt")

	// ErrOverRepayment rejects repaying more than the outstanding debt.
	ErrOverRepayment = errors.New("repayment exceeds outstanding debt")

	// ErrDebtOutstanding rejects withdrawal while any debt remains.
	ErrDebtOutstanding = errors.New("debt outstanding")

	// ErrInsufficientBalance rejects withdrawing more collateral than
	// is deposited.
	ErrInsufficientBalance = errors.New("insufficient collateral balance")

	// ErrTransferFailed wraps a custody failure during an outbound
	// transfer. The bookkeeping effect is rolled back before it is
	// returned.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrNothingToClaim rejects a claim when no pending credit exists.
	ErrNothingToClaim = errors.New("nothing to claim")

	// ErrAmountOverflow rejects a balance change that would exceed the
	// 256-bit domain.
	ErrAmountOverflow = errors.New("amount overflows balance domain")

	// ErrUnderflow signals an internal consistency violation: debt
	// above the collateral cap. Unreachable through the engine.
	ErrUnderflow = errors.New("underflow")
)
