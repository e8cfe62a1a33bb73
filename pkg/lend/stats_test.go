package lend

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	alice := testID("alice")

	t.Run("EmptyAccount", func(t *testing.T) {
		engine := testEngine(&stubCustody{})
		stats := engine.Stats(alice)

		assert.True(t, stats.Collateral.IsZero())
		assert.True(t, stats.MaxBorrow.IsZero())
		assert.True(t, stats.Utilization.IsZero())
		assert.True(t, stats.HealthFactor.IsZero())
	})

	t.Run("ActiveAccount", func(t *testing.T) {
		engine := testEngine(&stubCustody{})
		require.NoError(t, engine.Deposit(alice, uint256.NewInt(150)))
		require.NoError(t, engine.Borrow(alice, uint256.NewInt(75)))

		stats := engine.Stats(alice)
		assert.Equal(t, uint256.NewInt(100), stats.MaxBorrow)
		assert.Equal(t, uint256.NewInt(25), stats.Available)
		assert.True(t, stats.Utilization.Equal(decimal.RequireFromString("0.75")),
			"utilization %s", stats.Utilization)
		// 100/75 rounded to four places.
		assert.True(t, stats.HealthFactor.Equal(decimal.RequireFromString("1.3333")),
			"health %s", stats.HealthFactor)
	})

	t.Run("DebtFreeAccountHasNoHealthFactor", func(t *testing.T) {
		engine := testEngine(&stubCustody{})
		require.NoError(t, engine.Deposit(alice, uint256.NewInt(150)))

		stats := engine.Stats(alice)
		assert.True(t, stats.HealthFactor.IsZero())
		assert.True(t, stats.Utilization.IsZero())
		assert.Equal(t, uint256.NewInt(100), stats.Available)
	})

	t.Run("AtTheCap", func(t *testing.T) {
		engine := testEngine(&stubCustody{})
		require.NoError(t, engine.Deposit(alice, uint256.NewInt(150)))
		require.NoError(t, engine.Borrow(alice, uint256.NewInt(100)))

		stats := engine.Stats(alice)
		assert.True(t, stats.Utilization.Equal(decimal.NewFromInt(1)))
		assert.True(t, stats.HealthFactor.Equal(decimal.NewFromInt(1)))
		assert.True(t, stats.Available.IsZero())
	})
}
