package core

import (
	"fmt"
	"math/big"

	"zhype/native/ledger"
	"zhype/native/staking"
)

// VerifyIntegrity runs the full accounting audit: per-ledger principal sums,
// the peg, and pegged-token conservation. It walks every account, so it is
// meant for startup and tests rather than the per-operation hot path (which
// uses the cheap peg audit in execute).
func (l *Ledger) VerifyIntegrity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	treasuryAccounts, err := l.manager.TreasuryAccounts()
	if err != nil {
		return err
	}
	treasurySum := big.NewInt(0)
	peggedSum := big.NewInt(0)
	seen := make(map[[20]byte]struct{}, len(treasuryAccounts))
	for _, addr := range treasuryAccounts {
		pos, err := l.manager.TreasuryPosition(addr)
		if err != nil {
			return err
		}
		if pos != nil {
			if pos.Principal.Sign() < 0 {
				return fmt.Errorf("%w: negative treasury principal", ledger.ErrInvariantViolation)
			}
			treasurySum.Add(treasurySum, pos.Principal)
		}
		free, err := l.manager.PeggedBalance(addr)
		if err != nil {
			return err
		}
		peggedSum.Add(peggedSum, free)
		seen[addr] = struct{}{}
	}

	stakingAccounts, err := l.manager.StakingAccounts()
	if err != nil {
		return err
	}
	stakingSum := big.NewInt(0)
	for _, addr := range stakingAccounts {
		pos, err := l.manager.StakingPosition(addr)
		if err != nil {
			return err
		}
		if pos != nil {
			if pos.Principal.Sign() < 0 {
				return fmt.Errorf("%w: negative staking principal", ledger.ErrInvariantViolation)
			}
			stakingSum.Add(stakingSum, pos.Principal)
		}
		if _, ok := seen[addr]; !ok {
			free, err := l.manager.PeggedBalance(addr)
			if err != nil {
				return err
			}
			peggedSum.Add(peggedSum, free)
		}
	}

	treasuryPool, err := l.manager.TreasuryPool()
	if err != nil {
		return err
	}
	if treasuryPool != nil && treasuryPool.TotalPrincipal.Cmp(treasurySum) != 0 {
		return fmt.Errorf("%w: treasury pool %s != position sum %s",
			ledger.ErrInvariantViolation, treasuryPool.TotalPrincipal, treasurySum)
	}
	stakingPool, err := l.manager.StakingPool()
	if err != nil {
		return err
	}
	if stakingPool != nil && stakingPool.TotalPrincipal.Cmp(stakingSum) != 0 {
		return fmt.Errorf("%w: staking pool %s != position sum %s",
			ledger.ErrInvariantViolation, stakingPool.TotalPrincipal, stakingSum)
	}

	if err := l.auditPeg(); err != nil {
		return err
	}

	// Every pegged token is either free, staked, or queued for unstaking.
	// The supply side counts deposit-backed mints plus auto-invest
	// compounding, which grows staked principal without a mint. This
	// holds even after an emergency withdrawal, which only moves native
	// custody.
	minted, err := l.manager.PeggedTotalMinted()
	if err != nil {
		return err
	}
	virtual, err := l.manager.VirtualSupply()
	if err != nil {
		return err
	}
	unstakeEscrow, err := l.manager.QueueEscrowTotal(staking.QueueName)
	if err != nil {
		return err
	}
	supply := new(big.Int).Add(minted, virtual)
	circulating := new(big.Int).Add(peggedSum, stakingSum)
	circulating.Add(circulating, unstakeEscrow)
	if supply.Cmp(circulating) != 0 {
		return fmt.Errorf("%w: pegged supply %s != circulating %s",
			ledger.ErrInvariantViolation, supply, circulating)
	}
	return nil
}
