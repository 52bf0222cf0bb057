package rewards

import (
	"errors"
	"math/big"
)

const (
	// SecondsPerYear is the accrual year used for all rate computations.
	SecondsPerYear = 365 * 24 * 60 * 60
	// BasisPointsDenom converts basis points to a ratio.
	BasisPointsDenom = 10_000
)

var accrualDenom = big.NewInt(int64(SecondsPerYear) * int64(BasisPointsDenom))

// ErrClockRegression reports a checkpoint time earlier than the position's
// last checkpoint. The clock feeding the ledger is required to be
// non-decreasing, so this is a caller bug rather than an accrual outcome.
var ErrClockRegression = errors.New("rewards: checkpoint time precedes last checkpoint")

// Accrue computes the reward earned by principal at rateBps over the window
// [from, to]. The division floors, so rounding never favours the account.
func Accrue(principal *big.Int, rateBps uint64, from, to uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || to <= from {
		return big.NewInt(0)
	}
	elapsed := new(big.Int).SetUint64(to - from)
	delta := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	delta.Mul(delta, elapsed)
	delta.Quo(delta, accrualDenom)
	return delta
}

// Checkpoint settles the pending reward for a position against its pool and
// advances the position's checkpoint to now. The returned delta is the newly
// accrued amount; a repeated call with the same now yields exactly zero.
//
// When the position has auto-invest enabled the delta compounds into the
// principal instead of the unclaimed balance, and the pool total grows by the
// same amount in the same step so the sum invariant holds at every return.
func Checkpoint(pos *Position, pool *Pool, now uint64) (*big.Int, error) {
	if pos == nil || pool == nil {
		return nil, errors.New("rewards: nil position or pool")
	}
	pos.Normalize()
	pool.Normalize()
	if now < pos.CheckpointTs {
		return nil, ErrClockRegression
	}
	delta := accruePiecewise(pos.Principal, pool, pos.CheckpointTs, now)
	pos.CheckpointTs = now
	if pool.LastGlobalCheckpoint < now {
		pool.LastGlobalCheckpoint = now
	}
	if delta.Sign() == 0 {
		return delta, nil
	}
	if pos.AutoInvest {
		pos.Principal = new(big.Int).Add(pos.Principal, delta)
		pool.TotalPrincipal = new(big.Int).Add(pool.TotalPrincipal, delta)
	} else {
		pos.AccruedUnclaimed = new(big.Int).Add(pos.AccruedUnclaimed, delta)
	}
	return delta, nil
}

// Project returns the reward a checkpoint at now would settle, without
// mutating the position. Auto-invest does not change the projected amount,
// only where a real checkpoint would put it.
func Project(pos *Position, pool *Pool, now uint64) *big.Int {
	if pos == nil || pool == nil {
		return big.NewInt(0)
	}
	return accruePiecewise(pos.Principal, pool, pos.CheckpointTs, now)
}

// accruePiecewise integrates the reward over [from, to], honouring archived
// rate changes so superseded rates keep applying to the windows they covered.
// Each segment floors independently, which only ever under-pays.
func accruePiecewise(principal *big.Int, pool *Pool, from, to uint64) *big.Int {
	total := big.NewInt(0)
	if principal == nil || principal.Sign() <= 0 || to <= from {
		return total
	}
	cursor := from
	for _, change := range pool.RateHistory {
		if change.Until <= cursor {
			continue
		}
		end := change.Until
		if end > to {
			end = to
		}
		total.Add(total, Accrue(principal, change.RateBps, cursor, end))
		cursor = end
		if cursor >= to {
			return total
		}
	}
	total.Add(total, Accrue(principal, pool.RateBps, cursor, to))
	return total
}
