package lend

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// TransferMode selects the outbound transfer discipline.
type TransferMode uint8

const (
	// TransferPush delivers value through custody inside the operation,
	// after the bookkeeping effect has been applied.
	TransferPush TransferMode = iota

	// TransferPull credits a per-identity pending balance instead; the
	// recipient collects it later with an explicit claim. No external
	// call happens inside a state-mutating operation at all.
	TransferPull
)

// String returns the mode name used in config and node info.
func (m TransferMode) String() string {
	switch m {
	case TransferPush:
		return "push"
	case TransferPull:
		return "pull"
	default:
		return "unknown"
	}
}

// ParseTransferMode parses "push" or "pull".
func ParseTransferMode(s string) (TransferMode, error) {
	switch s {
	case "push":
		return TransferPush, nil
	case "pull":
		return TransferPull, nil
	default:
		return TransferPush, fmt.Errorf("unknown transfer mode %q", s)
	}
}

// Custody is the external layer that actually holds and moves the
// underlying asset. Any failure it reports is a hard failure of the
// whole operation that triggered it.
type Custody interface {
	// Send moves amount out of the ledger's custody to the recipient.
	Send(to ids.ShortID, amount *uint256.Int) error
}

// TransferGate performs outbound value movement for the engine. The
// engine always commits its bookkeeping before calling the gate, and
// the gate keeps that discipline on the claim path too: state first,
// custody second, exact rollback on custody failure.
type TransferGate struct {
	mode    TransferMode
	custody Custody
	pending map[ids.ShortID]*uint256.Int
}

// NewTransferGate creates a gate in the given mode over the custody
// layer.
func NewTransferGate(mode TransferMode, custody Custody) *TransferGate {
	return &TransferGate{
		mode:    mode,
		custody: custody,
		pending: make(map[ids.ShortID]*uint256.Int),
	}
}

// Mode returns the gate's transfer discipline.
func (g *TransferGate) Mode() TransferMode {
	return g.mode
}

// Send delivers amount to the recipient. In push mode it settles
// through custody immediately; in pull mode it credits the recipient's
// pending balance instead. A custody or overflow failure reports
// ErrTransferFailed semantics to the caller, which must roll back.
func (g *TransferGate) Send(to ids.ShortID, amount *uint256.Int) error {
	if g.mode == TransferPull {
		return g.credit(to, amount)
	}
	if err := g.custody.Send(to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// credit accumulates amount into the recipient's pending balance.
func (g *TransferGate) credit(to ids.ShortID, amount *uint256.Int) error {
	cur, ok := g.pending[to]
	if !ok {
		cur = uint256.NewInt(0)
		g.pending[to] = cur
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return fmt.Errorf("%w: pending credit overflow", ErrTransferFailed)
	}
	cur.Set(sum)
	return nil
}

// Pending returns a copy of the identity's unclaimed credit, zero when
// none exists.
func (g *TransferGate) Pending(id ids.ShortID) *uint256.Int {
	if cur, ok := g.pending[id]; ok {
		return new(uint256.Int).Set(cur)
	}
	return uint256.NewInt(0)
}

// Claim settles the identity's entire pending credit through custody
// and returns the amount delivered. The pending balance is zeroed
// before custody is called and restored in full if custody fails.
func (g *TransferGate) Claim(id ids.ShortID) (*uint256.Int, error) {
	cur, ok := g.pending[id]
	if !ok || cur.IsZero() {
		return nil, ErrNothingToClaim
	}
	amount := new(uint256.Int).Set(cur)
	cur.Clear()
	if err := g.custody.Send(id, amount); err != nil {
		// A reentrant credit may have landed after the clear, so the
		// claimed amount is added back, not overwritten.
		restored, overflow := new(uint256.Int).AddOverflow(cur, amount)
		if overflow {
			restored.SetAllOne()
		}
		cur.Set(restored)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return amount, nil
}

// RestorePending reloads a persisted pending credit. Used only when
// replaying stored state on startup.
func (g *TransferGate) RestorePending(id ids.ShortID, amount *uint256.Int) {
	g.pending[id] = new(uint256.Int).Set(amount)
}
