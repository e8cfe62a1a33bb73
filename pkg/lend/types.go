// Package lend implements a collateralized lending ledger: identities
// deposit collateral, borrow against it at a fixed collateralization
// ratio, repay, and withdraw. Every transition is atomic and preserves
// the invariant debt <= floor(collateral*100/ratio).
package lend

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// EventKind identifies the transition a committed event records.
type EventKind uint8

const (
	EventDeposited EventKind = iota
	EventBorrowed
	EventRepaid
	EventWithdrawn
	EventClaimed
)

// String returns the event kind name used on the wire.
func (k EventKind) String() string {
	switch k {
	case EventDeposited:
		return "Deposited"
	case EventBorrowed:
		return "Borrowed"
	case EventRepaid:
		return "Repaid"
	case EventWithdrawn:
		return "Withdrawn"
	case EventClaimed:
		return "Claimed"
	default:
		return "Unknown"
	}
}

// Event is an immutable record of one committed transition. Sequence is
// the commit order, assigned by the event log starting at 1.
type Event struct {
	Sequence uint64
	Kind     EventKind
	Account  ids.ShortID
	Amount   *uint256.Int
}

// Account holds one identity's ledger balances. Records are owned by
// the engine; external readers only ever see snapshots.
type Account struct {
	Collateral *uint256.Int
	Debt       *uint256.Int
}

// NewAccount returns an account with zero balances.
func NewAccount() *Account {
	return &Account{
		Collateral: uint256.NewInt(0),
		Debt:       uint256.NewInt(0),
	}
}

// Snapshot copies the account's balances.
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		Collateral: new(uint256.Int).Set(a.Collateral),
		Debt:       new(uint256.Int).Set(a.Debt),
	}
}

// AccountSnapshot is a point-in-time copy of one account, taken either
// fully before or fully after a transition, never mid-transition.
type AccountSnapshot struct {
	Address    ids.ShortID
	Collateral *uint256.Int
	Debt       *uint256.Int
	Pending    *uint256.Int
}

// EngineConfig configures a LendingEngine.
type EngineConfig struct {
	// Policy defaults to the standard 150% policy when nil.
	Policy *CollateralPolicy

	// Mode selects the outbound transfer discipline.
	Mode TransferMode

	// Custody is the value custody layer outbound transfers settle
	// against. Defaults to an empty in-memory vault when nil.
	Custody Custody

	// EventBuffer sizes the event notify channel.
	EventBuffer int
}

// DefaultEngineConfig returns the canonical deployment configuration:
// 150% collateralization, push transfers, in-memory custody.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Mode:        TransferPush,
		EventBuffer: 10000,
	}
}
