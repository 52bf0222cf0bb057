package rewards

import "math/big"

// Position is the per-account ledger record shared by the treasury and
// staking pools. Principal is expressed in wei (18 decimals) of the pool's
// asset. A position is never deleted; one with zero principal simply stops
// accruing.
type Position struct {
	Principal        *big.Int `json:"principal"`
	CheckpointTs     uint64   `json:"checkpointTs"`
	AccruedUnclaimed *big.Int `json:"accruedUnclaimed"`
	// AutoInvest folds reward deltas into principal at checkpoint time.
	// Only the staking pool honours it; the treasury pool ignores the flag.
	AutoInvest bool `json:"autoInvest,omitempty"`
	// StakedBaseline tracks principal that entered through explicit stake
	// calls, so auto-compounded growth can be reported separately without
	// a second balance that could drift.
	StakedBaseline *big.Int `json:"stakedBaseline,omitempty"`
}

// NewPosition constructs an empty position checkpointed at the given time.
func NewPosition(now uint64) *Position {
	return &Position{
		Principal:        big.NewInt(0),
		CheckpointTs:     now,
		AccruedUnclaimed: big.NewInt(0),
		StakedBaseline:   big.NewInt(0),
	}
}

// Normalize replaces nil big.Int fields with zeros so positions loaded from
// storage are always safe to operate on.
func (p *Position) Normalize() *Position {
	if p == nil {
		return nil
	}
	if p.Principal == nil {
		p.Principal = big.NewInt(0)
	}
	if p.AccruedUnclaimed == nil {
		p.AccruedUnclaimed = big.NewInt(0)
	}
	if p.StakedBaseline == nil {
		p.StakedBaseline = big.NewInt(0)
	}
	return p
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = cloneBigInt(p.Principal)
	clone.AccruedUnclaimed = cloneBigInt(p.AccruedUnclaimed)
	clone.StakedBaseline = cloneBigInt(p.StakedBaseline)
	return &clone
}

// RateChange records a superseded pool rate and the time it stopped applying.
type RateChange struct {
	Until   uint64 `json:"until"`
	RateBps uint64 `json:"rateBps"`
}

// Pool carries the ledger-wide aggregates for one accrual pool.
type Pool struct {
	TotalPrincipal       *big.Int `json:"totalPrincipal"`
	RateBps              uint64   `json:"rateBps"`
	LastGlobalCheckpoint uint64   `json:"lastGlobalCheckpoint"`
	// RateHistory holds superseded rates in chronological order so positions
	// checkpointed before a rate change still accrue the old rate for the
	// window it covered. Appended only by owner rate updates.
	RateHistory []RateChange `json:"rateHistory,omitempty"`
}

// NewPool constructs an empty pool with the given annual rate in basis points.
func NewPool(rateBps uint64) *Pool {
	return &Pool{TotalPrincipal: big.NewInt(0), RateBps: rateBps}
}

// Normalize replaces nil big.Int fields with zeros.
func (p *Pool) Normalize() *Pool {
	if p == nil {
		return nil
	}
	if p.TotalPrincipal == nil {
		p.TotalPrincipal = big.NewInt(0)
	}
	return p
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalPrincipal = cloneBigInt(p.TotalPrincipal)
	clone.RateHistory = append([]RateChange(nil), p.RateHistory...)
	return &clone
}

// SetRate replaces the pool rate from now onward. The outgoing rate is
// archived so it keeps applying to the window it actually covered; the change
// is never retroactive.
func (p *Pool) SetRate(rateBps uint64, now uint64) {
	if p == nil || rateBps == p.RateBps {
		return
	}
	p.RateHistory = append(p.RateHistory, RateChange{Until: now, RateBps: p.RateBps})
	p.RateBps = rateBps
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
