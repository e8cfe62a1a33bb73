package lend

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollateralPolicy(t *testing.T) {
	t.Run("AcceptsOvercollateralizedRatios", func(t *testing.T) {
		for _, ratio := range []uint64{100, 150, 200, 1000} {
			p, err := NewCollateralPolicy(ratio)
			require.NoError(t, err)
			assert.Equal(t, ratio, p.Ratio())
		}
	})

	t.Run("RejectsUndercollateralizedRatios", func(t *testing.T) {
		for _, ratio := range []uint64{0, 1, 99} {
			_, err := NewCollateralPolicy(ratio)
			assert.Error(t, err)
		}
	})

	t.Run("DefaultIs150", func(t *testing.T) {
		assert.Equal(t, uint64(150), DefaultCollateralPolicy().Ratio())
	})
}

func TestMaxBorrow(t *testing.T) {
	p := DefaultCollateralPolicy()

	t.Run("FloorsDivision", func(t *testing.T) {
		cases := []struct {
			collateral uint64
			max        uint64
		}{
			{0, 0},
			{1, 0},   // floor(100/150)
			{2, 1},   // floor(200/150)
			{3, 2},   // exactly 2/3
			{150, 100},
			{151, 100}, // floor(15100/150)
			{300, 200},
		}
		for _, c := range cases {
			got := p.MaxBorrow(uint256.NewInt(c.collateral))
			assert.Equal(t, uint256.NewInt(c.max), got, "collateral %d", c.collateral)
		}
	})

	t.Run("NoOverflowNearDomainMaximum", func(t *testing.T) {
		// collateral*100 exceeds 256 bits here; the policy must still
		// produce the exact floored quotient.
		max := new(uint256.Int).SetAllOne()

		expected := new(big.Int).Mul(max.ToBig(), big.NewInt(100))
		expected.Div(expected, big.NewInt(150))
		want, overflow := uint256.FromBig(expected)
		require.False(t, overflow)

		assert.Equal(t, want, p.MaxBorrow(max))
	})
}

func TestPolicyAvailableToBorrow(t *testing.T) {
	p := DefaultCollateralPolicy()

	t.Run("SubtractsDebt", func(t *testing.T) {
		avail, err := p.AvailableToBorrow(uint256.NewInt(150), uint256.NewInt(30))
		require.NoError(t, err)
		assert.Equal(t, uint256.NewInt(70), avail)
	})

	t.Run("ZeroAtTheCap", func(t *testing.T) {
		avail, err := p.AvailableToBorrow(uint256.NewInt(150), uint256.NewInt(100))
		require.NoError(t, err)
		assert.True(t, avail.IsZero())
	})

	t.Run("UnderflowIsAnAssertionFailure", func(t *testing.T) {
		// Debt above the cap means the invariant was already broken;
		// the policy refuses to produce a wrapped value.
		_, err := p.AvailableToBorrow(uint256.NewInt(150), uint256.NewInt(101))
		assert.ErrorIs(t, err, ErrUnderflow)
	})
}
