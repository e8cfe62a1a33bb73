package lend

import (
	"fmt"

	"github.com/holiman/uint256"
)

// DefaultCollateralRatio is the canonical collateralization ratio in
// percent: 150% collateral backs every unit of debt, so the maximum
// debt is floor(collateral * 100 / 150).
const DefaultCollateralRatio = 150

// CollateralPolicy computes borrowing capacity from deposited
// collateral. Pure arithmetic, no side effects.
type CollateralPolicy struct {
	ratio *uint256.Int
	scale *uint256.Int
}

// NewCollateralPolicy creates a policy with the given ratio in percent.
// The ratio must be at least 100: the ledger is overcollateralized by
// construction, which also keeps MaxBorrow within the 256-bit domain.
func NewCollateralPolicy(ratioPercent uint64) (*CollateralPolicy, error) {
	if ratioPercent < 100 {
		return nil, fmt.Errorf("collateral ratio must be at least 100, got %d", ratioPercent)
	}
	return &CollateralPolicy{
		ratio: uint256.NewInt(ratioPercent),
		scale: uint256.NewInt(100),
	}, nil
}

// DefaultCollateralPolicy returns the standard 150% policy.
func DefaultCollateralPolicy() *CollateralPolicy {
	p, _ := NewCollateralPolicy(DefaultCollateralRatio)
	return p
}

// Ratio returns the collateralization ratio in percent.
func (p *CollateralPolicy) Ratio() uint64 {
	return p.ratio.Uint64()
}

// MaxBorrow returns floor(collateral * 100 / ratio). The multiply runs
// in a 512-bit intermediate, so it cannot overflow near the domain
// maximum; with ratio >= 100 the quotient never exceeds collateral.
func (p *CollateralPolicy) MaxBorrow(collateral *uint256.Int) *uint256.Int {
	max, _ := new(uint256.Int).MulDivOverflow(collateral, p.scale, p.ratio)
	return max
}

// AvailableToBorrow returns MaxBorrow(collateral) - debt. Debt above
// the cap means the invariant was already broken somewhere else, so it
// fails with ErrUnderflow instead of wrapping.
func (p *CollateralPolicy) AvailableToBorrow(collateral, debt *uint256.Int) (*uint256.Int, error) {
	max := p.MaxBorrow(collateral)
	avail, underflow := new(uint256.Int).SubOverflow(max, debt)
	if underflow {
		return nil, fmt.Errorf("%w: debt %s exceeds max borrow %s", ErrUnderflow, debt.Dec(), max.Dec())
	}
	return avail, nil
}
