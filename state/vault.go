package state

import (
	"fmt"
	"math/big"
)

// Vault is the state-backed native custody used when the daemon itself holds
// the asset. Credit confirms exactly the submitted value; deployments where
// deposits arrive through an external bridge wrap this with their own
// verification and report the value that truly arrived.
type Vault struct {
	m *Manager
}

// NewVault constructs a vault over the state manager. Its balance lives in
// the same overlay as the ledgers, so custody moves commit or roll back
// together with the accounting that caused them.
func NewVault(m *Manager) *Vault {
	return &Vault{m: m}
}

func (v *Vault) Credit(from [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("state: vault credit must be positive")
	}
	balance, err := v.m.getBigInt(keyCustodyBalance)
	if err != nil {
		return nil, err
	}
	v.m.putBigInt(keyCustodyBalance, new(big.Int).Add(balance, amount))
	return new(big.Int).Set(amount), nil
}

func (v *Vault) Debit(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: vault debit must be non-negative")
	}
	balance, err := v.m.getBigInt(keyCustodyBalance)
	if err != nil {
		return err
	}
	next := new(big.Int).Sub(balance, amount)
	if next.Sign() < 0 {
		return fmt.Errorf("state: vault balance below zero")
	}
	v.m.putBigInt(keyCustodyBalance, next)
	return nil
}

func (v *Vault) Balance() (*big.Int, error) {
	return v.m.getBigInt(keyCustodyBalance)
}
