package staking

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"zhype/core/events"
	"zhype/core/rewards"
	"zhype/native/ledger"
	"zhype/native/timelock"
)

// QueueName identifies the unstaking queue in persistence and events.
const QueueName = "staking.unstakes"

var errNilState = errors.New("staking: state not configured")

// State is the persistence surface the staking engine needs. Staked pegged
// tokens live in the staking positions; queued ones live in the unstaking
// queue escrow; free ones stay in the pegged token ledger.
type State interface {
	timelock.State

	StakingPosition(addr [20]byte) (*rewards.Position, error)
	SetStakingPosition(addr [20]byte, pos *rewards.Position) error
	StakingPool() (*rewards.Pool, error)
	SetStakingPool(pool *rewards.Pool) error

	PeggedCredit(addr [20]byte, amount *big.Int) error
	PeggedDebit(addr [20]byte, amount *big.Int) error
	PeggedBalance(addr [20]byte) (*big.Int, error)

	RewardCredit(addr [20]byte, amount *big.Int) error
	RewardBalance(addr [20]byte) (*big.Int, error)

	AddVirtualSupply(delta *big.Int) error
	VirtualSupply() (*big.Int, error)

	StakingPaused() (bool, error)
	SetStakingPaused(paused bool) error
}

// Engine owns staking of the pegged token and USDH reward accrual, including
// auto-invest compounding and the unstaking queue.
type Engine struct {
	state   State
	queue   *timelock.Queue
	emitter events.Emitter
	owner   [20]byte
	nowFn   func() uint64
}

// NewEngine creates a staking engine with a no-op emitter. The queue shares
// the engine's state backend.
func NewEngine(state State, owner [20]byte, unstakingDelay uint64) *Engine {
	return &Engine{
		state:   state,
		queue:   timelock.NewQueue(QueueName, unstakingDelay, state),
		emitter: events.NoopEmitter{},
		owner:   owner,
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

// Queue exposes the unstaking queue, mainly for status reads.
func (e *Engine) Queue() *timelock.Queue { return e.queue }

// UnstakingDelay returns the maturation period applied to unstakes.
func (e *Engine) UnstakingDelay() uint64 { return e.queue.Delay() }

func (e *Engine) loadPosition(addr [20]byte) (*rewards.Position, error) {
	pos, err := e.state.StakingPosition(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = rewards.NewPosition(e.now())
	}
	return pos.Normalize(), nil
}

func (e *Engine) loadPool() (*rewards.Pool, error) {
	pool, err := e.state.StakingPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = rewards.NewPool(0)
	}
	return pool.Normalize(), nil
}

// checkpoint settles pending USDH accrual for the position, persisting the
// compounded pool total when auto-invest folded the delta into principal.
// The fold is a single step inside rewards.Checkpoint, so there is no window
// where principal grew but the pool total did not.
func (e *Engine) checkpoint(account [20]byte, pos *rewards.Position, pool *rewards.Pool, now uint64) error {
	compounding := pos.AutoInvest
	delta, err := rewards.Checkpoint(pos, pool, now)
	if err != nil {
		return err
	}
	if compounding && delta.Sign() > 0 {
		// The compounded tokens enter the staked supply without a
		// mint, so the supply counter has to grow with them for
		// conservation to keep holding.
		if err := e.state.AddVirtualSupply(delta); err != nil {
			return err
		}
		e.emit(events.StakingAutoInvested{
			Account:      account,
			Amount:       new(big.Int).Set(delta),
			NewPrincipal: new(big.Int).Set(pos.Principal),
		})
	}
	return nil
}

// Stake moves free pegged tokens into the staking ledger. The tokens are not
// burned; custody simply shifts from spendable to staked.
func (e *Engine) Stake(account [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrZeroAmount
	}
	paused, err := e.state.StakingPaused()
	if err != nil {
		return err
	}
	if paused {
		e.emit(events.StakingPaused{Account: account, Operation: "stake"})
		return ledger.ErrPaused
	}
	free, err := e.state.PeggedBalance(account)
	if err != nil {
		return err
	}
	if free.Cmp(amount) < 0 {
		return ledger.ErrInsufficientBalance
	}

	now := e.now()
	pos, err := e.loadPosition(account)
	if err != nil {
		return err
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if err := e.checkpoint(account, pos, pool, now); err != nil {
		return err
	}

	pos.Principal = new(big.Int).Add(pos.Principal, amount)
	pos.StakedBaseline = new(big.Int).Add(pos.StakedBaseline, amount)
	pool.TotalPrincipal = new(big.Int).Add(pool.TotalPrincipal, amount)

	if err := e.state.PeggedDebit(account, amount); err != nil {
		return err
	}
	if err := e.state.SetStakingPosition(account, pos); err != nil {
		return err
	}
	if err := e.state.SetStakingPool(pool); err != nil {
		return err
	}

	e.emit(events.StakingStaked{
		Account:     account,
		Amount:      new(big.Int).Set(amount),
		TotalStaked: new(big.Int).Set(pos.Principal),
	})
	return nil
}

// RequestUnstake debits staked principal immediately and queues the release.
// The unstaking queue is an exit path and is never gated by the pause flag.
func (e *Engine) RequestUnstake(account [20]byte, amount *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ledger.ErrZeroAmount
	}
	now := e.now()
	pos, err := e.loadPosition(account)
	if err != nil {
		return 0, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return 0, err
	}
	if err := e.checkpoint(account, pos, pool, now); err != nil {
		return 0, err
	}
	if pos.Principal.Cmp(amount) < 0 {
		return 0, ledger.ErrInsufficientBalance
	}

	pos.Principal = new(big.Int).Sub(pos.Principal, amount)
	// Unstaking draws down compounded growth first. The deposited
	// baseline only shrinks once principal falls below it, keeping the
	// derived virtual read non-negative.
	if pos.StakedBaseline.Cmp(pos.Principal) > 0 {
		pos.StakedBaseline = new(big.Int).Set(pos.Principal)
	}
	pool.TotalPrincipal = new(big.Int).Sub(pool.TotalPrincipal, amount)
	if pool.TotalPrincipal.Sign() < 0 {
		return 0, fmt.Errorf("%w: staking pool below zero", ledger.ErrInvariantViolation)
	}

	if err := e.state.SetStakingPosition(account, pos); err != nil {
		return 0, err
	}
	if err := e.state.SetStakingPool(pool); err != nil {
		return 0, err
	}

	entry, err := e.queue.Push(account, amount, now)
	if err != nil {
		return 0, err
	}
	e.emit(events.StakingUnstakeRequested{
		Account:   account,
		EntryID:   entry.ID,
		Amount:    new(big.Int).Set(amount),
		MaturesAt: entry.MaturesAt,
	})
	return entry.ID, nil
}

// ClaimUnstake releases a matured unstake back to the account's free pegged
// balance. Treasury principal is untouched; the tokens are simply
// un-escrowed.
func (e *Engine) ClaimUnstake(entryID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entry, err := e.queue.Claim(entryID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.state.PeggedCredit(entry.Owner, entry.Amount); err != nil {
		return nil, err
	}
	e.emit(events.StakingUnstakeClaimed{
		Account: entry.Owner,
		EntryID: entry.ID,
		Amount:  new(big.Int).Set(entry.Amount),
	})
	return new(big.Int).Set(entry.Amount), nil
}

// ToggleAutoInvest flips the compounding flag and returns the new value. The
// pending window up to now settles under the old mode first, so the toggle is
// never retroactive.
func (e *Engine) ToggleAutoInvest(account [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	now := e.now()
	pos, err := e.loadPosition(account)
	if err != nil {
		return false, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return false, err
	}
	if err := e.checkpoint(account, pos, pool, now); err != nil {
		return false, err
	}
	pos.AutoInvest = !pos.AutoInvest
	if err := e.state.SetStakingPosition(account, pos); err != nil {
		return false, err
	}
	if err := e.state.SetStakingPool(pool); err != nil {
		return false, err
	}
	e.emit(events.StakingAutoInvestToggled{Account: account, Enabled: pos.AutoInvest})
	return pos.AutoInvest, nil
}

// ClaimRewards settles accrual and credits the claimable USDH balance to the
// account. With auto-invest enabled the settled delta compounded into
// principal instead, so only rewards accrued before the toggle pay out here.
// Claiming with nothing accrued succeeds and returns zero.
func (e *Engine) ClaimRewards(account [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now := e.now()
	pos, err := e.loadPosition(account)
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if err := e.checkpoint(account, pos, pool, now); err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(pos.AccruedUnclaimed)
	pos.AccruedUnclaimed = big.NewInt(0)
	if err := e.state.SetStakingPosition(account, pos); err != nil {
		return nil, err
	}
	if err := e.state.SetStakingPool(pool); err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := e.state.RewardCredit(account, amount); err != nil {
			return nil, err
		}
		e.emit(events.StakingRewardsClaimed{Account: account, Amount: new(big.Int).Set(amount)})
	}
	return amount, nil
}

// SetRateBps changes the USDH reward rate from now onward. Owner only; never
// retroactive.
func (e *Engine) SetRateBps(caller [20]byte, rateBps uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.owner {
		return ledger.ErrUnauthorized
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	pool.SetRate(rateBps, e.now())
	return e.state.SetStakingPool(pool)
}

// SetPaused toggles the stake-entry gate. Owner only.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.owner {
		return ledger.ErrUnauthorized
	}
	return e.state.SetStakingPaused(paused)
}

// --- Reads ---

// TotalStaked returns the account's current staked principal, including any
// auto-compounded growth.
func (e *Engine) TotalStaked(account [20]byte) (*big.Int, error) {
	pos, err := e.loadPosition(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.Principal), nil
}

// VirtualStaked reports the auto-compounded share of the staked principal:
// current principal minus what the account explicitly staked. It is derived
// from the position on every call and cannot drift from it.
func (e *Engine) VirtualStaked(account [20]byte) (*big.Int, error) {
	pos, err := e.loadPosition(account)
	if err != nil {
		return nil, err
	}
	virtual := new(big.Int).Sub(pos.Principal, pos.StakedBaseline)
	if virtual.Sign() < 0 {
		virtual.SetInt64(0)
	}
	return virtual, nil
}

// VirtualSupply returns the pool-wide total of pegged tokens created by
// auto-invest compounding, across all accounts and queue entries.
func (e *Engine) VirtualSupply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VirtualSupply()
}

// PendingUnstakes returns the account's queue entries in request order.
func (e *Engine) PendingUnstakes(account [20]byte) ([]*timelock.Entry, error) {
	return e.queue.RequestsFor(account)
}

// CalculateRewards projects the USDH a checkpoint at now would settle plus
// the already-settled unclaimed balance, committing nothing.
func (e *Engine) CalculateRewards(account [20]byte) (*big.Int, error) {
	pos, err := e.loadPosition(account)
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	total := rewards.Project(pos, pool, e.now())
	return total.Add(total, pos.AccruedUnclaimed), nil
}

// AutoInvest returns the account's compounding flag.
func (e *Engine) AutoInvest(account [20]byte) (bool, error) {
	pos, err := e.loadPosition(account)
	if err != nil {
		return false, err
	}
	return pos.AutoInvest, nil
}

// RateBps returns the current annual USDH rate in basis points.
func (e *Engine) RateBps() (uint64, error) {
	pool, err := e.loadPool()
	if err != nil {
		return 0, err
	}
	return pool.RateBps, nil
}
