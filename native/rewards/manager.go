package rewards

import (
	"errors"
	"fmt"
	"math/big"
)

var errNilClaimer = errors.New("rewards: claimer not configured")

// Claimer settles and pays out an account's accrued rewards on one ledger.
type Claimer interface {
	ClaimRewards(account [20]byte) (*big.Int, error)
}

// Breakdown reports what a combined claim paid per ledger.
type Breakdown struct {
	Treasury *big.Int
	Staking  *big.Int
}

// Manager aggregates reward claims across the treasury and staking ledgers
// so the dashboard has a single claim-all entry point.
type Manager struct {
	treasury Claimer
	staking  Claimer
}

// NewManager wires the two ledgers in their fixed claim order.
func NewManager(treasury, staking Claimer) *Manager {
	return &Manager{treasury: treasury, staking: staking}
}

// ClaimAll claims from the treasury first, then staking. The caller runs it
// inside one state overlay, so either both claims commit or neither does;
// a partial claim is never observable.
func (m *Manager) ClaimAll(account [20]byte) (*Breakdown, error) {
	if m == nil || m.treasury == nil || m.staking == nil {
		return nil, errNilClaimer
	}
	fromTreasury, err := m.treasury.ClaimRewards(account)
	if err != nil {
		return nil, fmt.Errorf("rewards: treasury claim: %w", err)
	}
	fromStaking, err := m.staking.ClaimRewards(account)
	if err != nil {
		return nil, fmt.Errorf("rewards: staking claim: %w", err)
	}
	return &Breakdown{Treasury: fromTreasury, Staking: fromStaking}, nil
}
