package lend

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/shopspring/decimal"
)

// statsScale is the decimal precision of derived ratios.
const statsScale = 4

// AccountStats is the derived view of one account served to clients:
// raw balances plus borrowing capacity and risk ratios.
type AccountStats struct {
	Address    ids.ShortID
	Collateral *uint256.Int
	Debt       *uint256.Int
	Pending    *uint256.Int
	MaxBorrow  *uint256.Int
	Available  *uint256.Int

	// HealthFactor is MaxBorrow/Debt. Above 1 the account is within
	// its cap. Zero-valued when there is no debt; callers render that
	// as unlimited.
	HealthFactor decimal.Decimal

	// Utilization is Debt/MaxBorrow, zero when nothing can be
	// borrowed.
	Utilization decimal.Decimal
}

// Stats computes the derived view of the identity's account.
func (e *LendingEngine) Stats(id ids.ShortID) AccountStats {
	snap := e.Account(id)
	maxBorrow := e.policy.MaxBorrow(snap.Collateral)

	// Consistent ledgers keep debt at or under the cap; a zero
	// available is the safe floor if that ever fails to hold.
	available, err := e.policy.AvailableToBorrow(snap.Collateral, snap.Debt)
	if err != nil {
		available = uint256.NewInt(0)
	}

	stats := AccountStats{
		Address:    snap.Address,
		Collateral: snap.Collateral,
		Debt:       snap.Debt,
		Pending:    snap.Pending,
		MaxBorrow:  maxBorrow,
		Available:  available,
	}

	if !maxBorrow.IsZero() {
		debtDec := decimal.NewFromBigInt(snap.Debt.ToBig(), 0)
		maxDec := decimal.NewFromBigInt(maxBorrow.ToBig(), 0)
		stats.Utilization = debtDec.DivRound(maxDec, statsScale)
		if !snap.Debt.IsZero() {
			stats.HealthFactor = maxDec.DivRound(debtDec, statsScale)
		}
	}
	return stats
}
