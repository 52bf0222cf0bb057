package treasury

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

// QueueName identifies the withdrawal queue in persistence and events.
const QueueName = "treasury.withdrawals"

var (
	errNilState   = errors.New("treasury: state not configured")
	errNilCustody = errors.New("treasury: custody not configured")
)

// State is the persistence surface the treasury engine needs. The concrete
// implementation is expected to buffer writes so a failing operation commits
// nothing.
type State interface {
	timelock.State

	TreasuryPosition(addr [20]byte) (*rewards.Position, error)
	SetTreasuryPosition(addr [20]byte, pos *rewards.Position) error
	TreasuryPool() (*rewards.Pool, error)
	SetTreasuryPool(pool *rewards.Pool) error

	PeggedTotalMinted() (*big.Int, error)
	SetPeggedTotalMinted(total *big.Int) error
	PeggedCredit(addr [20]byte, amount *big.Int) error
	PeggedDebit(addr [20]byte, amount *big.Int) error
	PeggedBalance(addr [20]byte) (*big.Int, error)

	PegBroken() (bool, error)
	SetPegBroken(broken bool) error
}

// NativeCustody is the external capability that actually moves the native
// asset. Credit reports the value that really arrived, which is what the
// ledger records; Debit is the only outward movement of custody.
type NativeCustody interface {
	Credit(from [20]byte, amount *big.Int) (*big.Int, error)
	Debit(to [20]byte, amount *big.Int) error
	Balance() (*big.Int, error)
}

// Engine owns native-asset custody accounting, the 1:1 pegged token supply,
// primary reward accrual, and the withdrawal queue.
//
// Every mutating method must run inside a discardable state overlay: the
// engine mutates ledger state before attempting outbound custody transfers,
// relying on the caller to discard the overlay when the transfer fails so a
// claim rolls back to Ready instead of burning the user's funds.
type Engine struct {
	state   State
	custody NativeCustody
	queue   *timelock.Queue
	emitter events.Emitter
	owner   [20]byte
	nowFn   func() uint64
}

// NewEngine creates a treasury engine with a no-op emitter. The queue shares
// the engine's state backend.
func NewEngine(state State, custody NativeCustody, owner [20]byte, unstakingDelay uint64) *Engine {
	return &Engine{
		state:   state,
		custody: custody,
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

// Queue exposes the withdrawal queue, mainly for status reads.
func (e *Engine) Queue() *timelock.Queue { return e.queue }

// UnstakingDelay returns the maturation period applied to withdrawals.
func (e *Engine) UnstakingDelay() uint64 { return e.queue.Delay() }

func (e *Engine) loadPosition(addr [20]byte) (*rewards.Position, error) {
	pos, err := e.state.TreasuryPosition(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = rewards.NewPosition(e.now())
	}
	return pos.Normalize(), nil
}

func (e *Engine) loadPool() (*rewards.Pool, error) {
	pool, err := e.state.TreasuryPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = rewards.NewPool(0)
	}
	return pool.Normalize(), nil
}

// Deposit credits a native deposit and mints the matching pegged amount. The
// custody capability confirms the value that actually arrived before any
// ledger state changes; the confirmed value, not the request parameter, is
// what the ledger records.
func (e *Engine) Deposit(account [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.custody == nil {
		return nil, errNilCustody
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrZeroAmount
	}
	received, err := e.custody.Credit(account, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrCustodyTransfer, err)
	}
	if received == nil || received.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no value received", ledger.ErrCustodyTransfer)
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
	if _, err := rewards.Checkpoint(pos, pool, now); err != nil {
		return nil, err
	}

	pos.Principal = new(big.Int).Add(pos.Principal, received)
	pool.TotalPrincipal = new(big.Int).Add(pool.TotalPrincipal, received)

	minted, err := e.state.PeggedTotalMinted()
	if err != nil {
		return nil, err
	}
	minted = new(big.Int).Add(minted, received)

	if err := e.state.SetTreasuryPosition(account, pos); err != nil {
		return nil, err
	}
	if err := e.state.SetTreasuryPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.SetPeggedTotalMinted(minted); err != nil {
		return nil, err
	}
	if err := e.state.PeggedCredit(account, received); err != nil {
		return nil, err
	}

	e.emit(events.TreasuryDeposited{
		Account:     account,
		Amount:      new(big.Int).Set(received),
		Minted:      new(big.Int).Set(received),
		TotalMinted: minted,
	})
	return new(big.Int).Set(received), nil
}

// RequestWithdraw debits principal immediately, burns the pegged amount and
// queues the release. The debited amount stops earning rewards from now.
func (e *Engine) RequestWithdraw(account [20]byte, amount *big.Int) (uint64, error) {
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
	if _, err := rewards.Checkpoint(pos, pool, now); err != nil {
		return 0, err
	}
	if pos.Principal.Cmp(amount) < 0 {
		return 0, ledger.ErrInsufficientBalance
	}
	free, err := e.state.PeggedBalance(account)
	if err != nil {
		return 0, err
	}
	if free.Cmp(amount) < 0 {
		// The pegged tokens backing this principal are staked or otherwise
		// not spendable; burning requires holding them.
		return 0, ledger.ErrInsufficientBalance
	}

	pos.Principal = new(big.Int).Sub(pos.Principal, amount)
	pool.TotalPrincipal = new(big.Int).Sub(pool.TotalPrincipal, amount)
	if pool.TotalPrincipal.Sign() < 0 {
		return 0, fmt.Errorf("%w: treasury pool below zero", ledger.ErrInvariantViolation)
	}
	minted, err := e.state.PeggedTotalMinted()
	if err != nil {
		return 0, err
	}
	minted = new(big.Int).Sub(minted, amount)
	if minted.Sign() < 0 {
		return 0, fmt.Errorf("%w: pegged supply below zero", ledger.ErrInvariantViolation)
	}

	if err := e.state.PeggedDebit(account, amount); err != nil {
		return 0, err
	}
	if err := e.state.SetTreasuryPosition(account, pos); err != nil {
		return 0, err
	}
	if err := e.state.SetTreasuryPool(pool); err != nil {
		return 0, err
	}
	if err := e.state.SetPeggedTotalMinted(minted); err != nil {
		return 0, err
	}

	entry, err := e.queue.Push(account, amount, now)
	if err != nil {
		return 0, err
	}
	e.emit(events.TreasuryWithdrawRequested{
		Account:   account,
		EntryID:   entry.ID,
		Amount:    new(big.Int).Set(amount),
		MaturesAt: entry.MaturesAt,
	})
	return entry.ID, nil
}

// ClaimWithdraw releases a matured withdrawal to its owner. This is the only
// normal-path operation that moves native custody outward.
func (e *Engine) ClaimWithdraw(entryID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.custody == nil {
		return nil, errNilCustody
	}
	entry, err := e.queue.Claim(entryID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.custody.Debit(entry.Owner, entry.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrCustodyTransfer, err)
	}
	e.emit(events.TreasuryWithdrawClaimed{
		Account: entry.Owner,
		EntryID: entry.ID,
		Amount:  new(big.Int).Set(entry.Amount),
	})
	return new(big.Int).Set(entry.Amount), nil
}

// ClaimRewards settles accrued primary rewards and pays them out of custody.
// Claiming with nothing accrued succeeds and returns zero.
func (e *Engine) ClaimRewards(account [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.custody == nil {
		return nil, errNilCustody
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
	if _, err := rewards.Checkpoint(pos, pool, now); err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(pos.AccruedUnclaimed)
	pos.AccruedUnclaimed = big.NewInt(0)
	if err := e.state.SetTreasuryPosition(account, pos); err != nil {
		return nil, err
	}
	if err := e.state.SetTreasuryPool(pool); err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := e.custody.Debit(account, amount); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrCustodyTransfer, err)
		}
		e.emit(events.TreasuryRewardsClaimed{Account: account, Amount: new(big.Int).Set(amount)})
	}
	return amount, nil
}

// EmergencyWithdrawAll drains the entire custodied balance to the owner,
// bypassing the queue. It deliberately breaks the peg invariant and latches
// the broken-peg flag so the invariant audit stops enforcing the peg.
func (e *Engine) EmergencyWithdrawAll(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.custody == nil {
		return nil, errNilCustody
	}
	if caller != e.owner {
		return nil, ledger.ErrUnauthorized
	}
	balance, err := e.custody.Balance()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrCustodyTransfer, err)
	}
	if err := e.state.SetPegBroken(true); err != nil {
		return nil, err
	}
	if balance.Sign() > 0 {
		if err := e.custody.Debit(caller, balance); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrCustodyTransfer, err)
		}
	}
	e.emit(events.TreasuryEmergencyWithdraw{Owner: caller, Amount: new(big.Int).Set(balance)})
	return new(big.Int).Set(balance), nil
}

// SetRateBps changes the treasury reward rate from now onward. Owner only;
// never retroactive.
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
	return e.state.SetTreasuryPool(pool)
}

// --- Reads ---

// BalanceOf returns the account's active treasury principal.
func (e *Engine) BalanceOf(account [20]byte) (*big.Int, error) {
	pos, err := e.loadPosition(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.Principal), nil
}

// TreasuryBalance returns the custodied native balance.
func (e *Engine) TreasuryBalance() (*big.Int, error) {
	if e == nil || e.custody == nil {
		return nil, errNilCustody
	}
	return e.custody.Balance()
}

// PendingWithdrawals returns the account's queue entries in request order.
func (e *Engine) PendingWithdrawals(account [20]byte) ([]*timelock.Entry, error) {
	return e.queue.RequestsFor(account)
}

// CalculateRewards projects the reward a checkpoint at now would settle plus
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

// RateBps returns the current annual reward rate in basis points.
func (e *Engine) RateBps() (uint64, error) {
	pool, err := e.loadPool()
	if err != nil {
		return 0, err
	}
	return pool.RateBps, nil
}
