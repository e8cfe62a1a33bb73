package lend

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// VaultCustody is an in-memory custody layer: per-identity balances
// held outside the ledger plus the single vault balance the ledger
// controls. The daemon and tests use it; a production deployment
// replaces it with the chain's native asset custody.
type VaultCustody struct {
	balances map[ids.ShortID]*uint256.Int
	vault    *uint256.Int
}

// NewVaultCustody creates an empty custody layer.
func NewVaultCustody() *VaultCustody {
	return &VaultCustody{
		balances: make(map[ids.ShortID]*uint256.Int),
		vault:    uint256.NewInt(0),
	}
}

// Fund mints amount into an identity's external balance.
func (c *VaultCustody) Fund(id ids.ShortID, amount *uint256.Int) {
	cur, ok := c.balances[id]
	if !ok {
		cur = uint256.NewInt(0)
		c.balances[id] = cur
	}
	cur.Add(cur, amount)
}

// BalanceOf returns a copy of an identity's external balance.
func (c *VaultCustody) BalanceOf(id ids.ShortID) *uint256.Int {
	if cur, ok := c.balances[id]; ok {
		return new(uint256.Int).Set(cur)
	}
	return uint256.NewInt(0)
}

// VaultBalance returns a copy of the value currently held by the
// ledger.
func (c *VaultCustody) VaultBalance() *uint256.Int {
	return new(uint256.Int).Set(c.vault)
}

// Lock moves amount from the identity's external balance into the
// vault. This is the inbound leg of a deposit or repayment: the caller
// makes the value available before the ledger records it.
func (c *VaultCustody) Lock(id ids.ShortID, amount *uint256.Int) error {
	cur, ok := c.balances[id]
	if !ok || cur.Lt(amount) {
		return errors.New("insufficient custody balance")
	}
	cur.Sub(cur, amount)
	c.vault.Add(c.vault, amount)
	return nil
}

// Send moves amount from the vault to the recipient's external
// balance. It fails when the vault does not hold enough.
func (c *VaultCustody) Send(to ids.ShortID, amount *uint256.Int) error {
	if c.vault.Lt(amount) {
		return errors.New("insufficient vault balance")
	}
	c.vault.Sub(c.vault, amount)
	cur, ok := c.balances[to]
	if !ok {
		cur = uint256.NewInt(0)
		c.balances[to] = cur
	}
	cur.Add(cur, amount)
	return nil
}
