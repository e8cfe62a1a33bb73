package lend

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// LendingEngine is the transition executor: the only component that
// mutates account state. Each operation validates fully, applies its
// effects, and only then performs any outbound interaction, so a
// reentrant call triggered by a transfer always observes committed
// post-transition state.
//
// The engine holds no locks. Transitions run strictly serialized by
// the caller (the node's apply path in the daemon, the test body in
// tests), which is what lets a custody callback legally re-enter an
// operation without deadlocking.
type LendingEngine struct {
	policy   *CollateralPolicy
	accounts map[ids.ShortID]*Account
	gate     *TransferGate
	events   *EventLog

	// Running totals for observability, O(1) per transition. Unbounded
	// integers so the sums can never wrap.
	totalCollateral *big.Int
	totalDebt       *big.Int
}

// NewLendingEngine creates an engine from the config, filling in the
// default policy and custody where unset.
func NewLendingEngine(cfg EngineConfig) *LendingEngine {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultCollateralPolicy()
	}
	custody := cfg.Custody
	if custody == nil {
		custody = NewVaultCustody()
	}
	return &LendingEngine{
		policy:          policy,
		accounts:        make(map[ids.ShortID]*Account),
		gate:            NewTransferGate(cfg.Mode, custody),
		events:          NewEventLog(cfg.EventBuffer),
		totalCollateral: big.NewInt(0),
		totalDebt:       big.NewInt(0),
	}
}

// account returns the identity's record, creating it on first touch.
func (e *LendingEngine) account(id ids.ShortID) *Account {
	acct, ok := e.accounts[id]
	if !ok {
		acct = NewAccount()
		e.accounts[id] = acct
	}
	return acct
}

// Deposit adds amount to the identity's collateral.
func (e *LendingEngine) Deposit(id ids.ShortID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	acct := e.account(id)
	sum, overflow := new(uint256.Int).AddOverflow(acct.Collateral, amount)
	if overflow {
		return ErrAmountOverflow
	}
	acct.Collateral.Set(sum)
	e.totalCollateral.Add(e.totalCollateral, amount.ToBig())
	e.events.Append(EventDeposited, id, amount)
	return nil
}

// Borrow lends amount against the identity's collateral. The debt is
// recorded before the outbound transfer is attempted; if the transfer
// fails the exact debit is reversed and the operation reports failure.
func (e *LendingEngine) Borrow(id ids.ShortID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	acct := e.account(id)
	newDebt, overflow := new(uint256.Int).AddOverflow(acct.Debt, amount)
	if overflow {
		return ErrAmountOverflow
	}
	if newDebt.Gt(e.policy.MaxBorrow(acct.Collateral)) {
		return ErrInsufficientCollateral
	}

	// Effects before interactions.
	acct.Debt.Set(newDebt)
	e.totalDebt.Add(e.totalDebt, amount.ToBig())

	if err := e.gate.Send(id, amount); err != nil {
		e.reverseDebt(acct, amount)
		return err
	}
	e.events.Append(EventBorrowed, id, amount)
	return nil
}

// Repay reduces the identity's debt by amount.
func (e *LendingEngine) Repay(id ids.ShortID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	acct := e.account(id)
	if acct.Debt.IsZero() {
		return ErrNoOutstandingDebt
	}
	if amount.Gt(acct.Debt) {
		return ErrOverRepayment
	}
	acct.Debt.Sub(acct.Debt, amount)
	e.totalDebt.Sub(e.totalDebt, amount.ToBig())
	e.events.Append(EventRepaid, id, amount)
	return nil
}

// Withdraw returns amount of collateral to the identity. Withdrawal
// requires the debt to be fully repaid first. Same effects-first
// ordering and exact rollback as Borrow.
func (e *LendingEngine) Withdraw(id ids.ShortID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	acct := e.account(id)
	if !acct.Debt.IsZero() {
		return ErrDebtOutstanding
	}
	if amount.Gt(acct.Collateral) {
		return ErrInsufficientBalance
	}

	acct.Collateral.Sub(acct.Collateral, amount)
	e.totalCollateral.Sub(e.totalCollateral, amount.ToBig())

	if err := e.gate.Send(id, amount); err != nil {
		e.reverseCollateral(acct, amount)
		return err
	}
	e.events.Append(EventWithdrawn, id, amount)
	return nil
}

// Claim settles the identity's pending credit through custody. Only
// meaningful in pull mode; in push mode no credit ever accumulates.
func (e *LendingEngine) Claim(id ids.ShortID) (*uint256.Int, error) {
	amount, err := e.gate.Claim(id)
	if err != nil {
		return nil, err
	}
	e.events.Append(EventClaimed, id, amount)
	return amount, nil
}

// reverseDebt undoes a recorded borrow of amount after a failed
// transfer. A reentrant repay can shrink the debt below amount in the
// meantime, so the reversal clamps at zero instead of wrapping.
func (e *LendingEngine) reverseDebt(acct *Account, amount *uint256.Int) {
	rest, underflow := new(uint256.Int).SubOverflow(acct.Debt, amount)
	if underflow {
		rest.Clear()
	}
	acct.Debt.Set(rest)
	e.totalDebt.Sub(e.totalDebt, amount.ToBig())
}

// reverseCollateral undoes a recorded withdrawal of amount after a
// failed transfer, clamping at the domain ceiling if a reentrant
// deposit landed in between.
func (e *LendingEngine) reverseCollateral(acct *Account, amount *uint256.Int) {
	rest, overflow := new(uint256.Int).AddOverflow(acct.Collateral, amount)
	if overflow {
		rest.SetAllOne()
	}
	acct.Collateral.Set(rest)
	e.totalCollateral.Add(e.totalCollateral, amount.ToBig())
}

// AvailableToBorrow returns how much more the identity could borrow
// right now. Read-only; unknown identities have zero capacity.
func (e *LendingEngine) AvailableToBorrow(id ids.ShortID) (*uint256.Int, error) {
	acct, ok := e.accounts[id]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return e.policy.AvailableToBorrow(acct.Collateral, acct.Debt)
}

// Account returns a consistent snapshot of the identity's balances,
// including any unclaimed pending credit.
func (e *LendingEngine) Account(id ids.ShortID) AccountSnapshot {
	snap := AccountSnapshot{
		Address:    id,
		Collateral: uint256.NewInt(0),
		Debt:       uint256.NewInt(0),
		Pending:    e.gate.Pending(id),
	}
	if acct, ok := e.accounts[id]; ok {
		snap.Collateral.Set(acct.Collateral)
		snap.Debt.Set(acct.Debt)
	}
	return snap
}

// Pending returns the identity's unclaimed credit.
func (e *LendingEngine) Pending(id ids.ShortID) *uint256.Int {
	return e.gate.Pending(id)
}

// Events returns the engine's event log.
func (e *LendingEngine) Events() *EventLog {
	return e.events
}

// Policy returns the engine's collateral policy.
func (e *LendingEngine) Policy() *CollateralPolicy {
	return e.policy
}

// Mode returns the outbound transfer discipline in effect.
func (e *LendingEngine) Mode() TransferMode {
	return e.gate.Mode()
}

// AccountCount returns the number of accounts ever touched.
func (e *LendingEngine) AccountCount() int {
	return len(e.accounts)
}

// TotalCollateral returns the sum of all deposited collateral.
func (e *LendingEngine) TotalCollateral() *big.Int {
	return new(big.Int).Set(e.totalCollateral)
}

// TotalDebt returns the sum of all outstanding debt.
func (e *LendingEngine) TotalDebt() *big.Int {
	return new(big.Int).Set(e.totalDebt)
}

// RestoreAccount reloads a persisted account. Used only during replay
// on startup, before the engine starts executing transitions.
func (e *LendingEngine) RestoreAccount(id ids.ShortID, collateral, debt *uint256.Int) {
	acct := e.account(id)
	e.totalCollateral.Sub(e.totalCollateral, acct.Collateral.ToBig())
	e.totalDebt.Sub(e.totalDebt, acct.Debt.ToBig())
	acct.Collateral.Set(collateral)
	acct.Debt.Set(debt)
	e.totalCollateral.Add(e.totalCollateral, collateral.ToBig())
	e.totalDebt.Add(e.totalDebt, debt.ToBig())
}

// RestorePending reloads a persisted pending credit during replay.
func (e *LendingEngine) RestorePending(id ids.ShortID, amount *uint256.Int) {
	e.gate.RestorePending(id, amount)
}

// RestoreEvents reloads the persisted event log during replay.
func (e *LendingEngine) RestoreEvents(events []Event) {
	e.events.Restore(events)
}
