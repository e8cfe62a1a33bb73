package lend

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultCustody(t *testing.T) {
	alice := testID("alice")
	bob := testID("bob")

	t.Run("FundAndBalance", func(t *testing.T) {
		custody := NewVaultCustody()
		custody.Fund(alice, uint256.NewInt(500))
		custody.Fund(alice, uint256.NewInt(100))

		assert.Equal(t, uint256.NewInt(600), custody.BalanceOf(alice))
		assert.True(t, custody.BalanceOf(bob).IsZero())
		assert.True(t, custody.VaultBalance().IsZero())
	})

	t.Run("LockMovesIntoVault", func(t *testing.T) {
		custody := NewVaultCustody()
		custody.Fund(alice, uint256.NewInt(500))

		require.NoError(t, custody.Lock(alice, uint256.NewInt(150)))
		assert.Equal(t, uint256.NewInt(350), custody.BalanceOf(alice))
		assert.Equal(t, uint256.NewInt(150), custody.VaultBalance())
	})

	t.Run("LockRejectsOverdraft", func(t *testing.T) {
		custody := NewVaultCustody()
		custody.Fund(alice, uint256.NewInt(100))

		assert.Error(t, custody.Lock(alice, uint256.NewInt(101)))
		assert.Error(t, custody.Lock(bob, uint256.NewInt(1)))
		assert.Equal(t, uint256.NewInt(100), custody.BalanceOf(alice))
	})

	t.Run("SendMovesOutOfVault", func(t *testing.T) {
		custody := NewVaultCustody()
		custody.Fund(alice, uint256.NewInt(500))
		require.NoError(t, custody.Lock(alice, uint256.NewInt(150)))

		require.NoError(t, custody.Send(bob, uint256.NewInt(100)))
		assert.Equal(t, uint256.NewInt(100), custody.BalanceOf(bob))
		assert.Equal(t, uint256.NewInt(50), custody.VaultBalance())
	})

	t.Run("SendRejectsEmptyVault", func(t *testing.T) {
		custody := NewVaultCustody()
		assert.Error(t, custody.Send(alice, uint256.NewInt(1)))
	})

	t.Run("BalancesAreCopies", func(t *testing.T) {
		custody := NewVaultCustody()
		custody.Fund(alice, uint256.NewInt(500))
		custody.BalanceOf(alice).Clear()
		assert.Equal(t, uint256.NewInt(500), custody.BalanceOf(alice))
	})
}

func TestVaultCustodyBacksEngine(t *testing.T) {
	// Full push-mode flow against real custody: fund, lock, deposit,
	// borrow pays out of the vault, repay and withdraw return it.
	alice := testID("alice")
	custody := NewVaultCustody()
	custody.Fund(alice, uint256.NewInt(1000))

	cfg := DefaultEngineConfig()
	cfg.Custody = custody
	engine := NewLendingEngine(cfg)

	require.NoError(t, custody.Lock(alice, uint256.NewInt(150)))
	require.NoError(t, engine.Deposit(alice, uint256.NewInt(150)))

	require.NoError(t, engine.Borrow(alice, uint256.NewInt(100)))
	assert.Equal(t, uint256.NewInt(950), custody.BalanceOf(alice))
	assert.Equal(t, uint256.NewInt(50), custody.VaultBalance())

	require.NoError(t, custody.Lock(alice, uint256.NewInt(100)))
	require.NoError(t, engine.Repay(alice, uint256.NewInt(100)))

	require.NoError(t, engine.Withdraw(alice, uint256.NewInt(150)))
	assert.Equal(t, uint256.NewInt(1000), custody.BalanceOf(alice))
	assert.True(t, custody.VaultBalance().IsZero())
}

func TestVaultCustodyShortVaultFailsBorrow(t *testing.T) {
	// The vault only holds what was locked in; borrowing more than
	// that must fail cleanly and roll the debt back.
	alice := testID("alice")
	custody := NewVaultCustody()
	custody.Fund(alice, uint256.NewInt(150))

	cfg := DefaultEngineConfig()
	cfg.Custody = custody
	engine := NewLendingEngine(cfg)

	require.NoError(t, custody.Lock(alice, uint256.NewInt(75)))
	require.NoError(t, engine.Deposit(alice, uint256.NewInt(150)))

	err := engine.Borrow(alice, uint256.NewInt(100))
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.True(t, engine.Account(alice).Debt.IsZero())
}
