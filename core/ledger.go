package core

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"zhype/core/events"
	accrual "zhype/core/rewards"
	"zhype/native/ledger"
	"zhype/native/rewards"
	"zhype/native/staking"
	"zhype/native/timelock"
	"zhype/native/treasury"
	"zhype/observability"
	"zhype/state"
	"zhype/storage"
)

// Params configures a Ledger.
type Params struct {
	DB             storage.Database
	Owner          [20]byte
	UnstakingDelay uint64
	// TreasuryRateBps and StakingRateBps seed the pools on first boot. A
	// running ledger keeps its persisted rates; use the owner rate-update
	// operations to change them.
	TreasuryRateBps uint64
	StakingRateBps  uint64
	Emitter         events.Emitter
	// Custody overrides the state-backed vault, e.g. with a bridge-backed
	// implementation that verifies inbound transfers out of band.
	Custody treasury.NativeCustody
	NowFunc func() uint64
}

// Ledger is the single-writer shell around the treasury and staking engines.
// Every mutation runs as one indivisible unit: a single mutex serialises
// writers, all state changes land in one overlay, invariants are audited,
// and only then does the overlay commit and the buffered events publish.
type Ledger struct {
	mu      sync.RWMutex
	manager *state.Manager
	custody treasury.NativeCustody

	treasury *treasury.Engine
	staking  *staking.Engine
	claims   *rewards.Manager

	sink    events.Emitter
	buffer  *bufferedEmitter
	metrics *observability.LedgerOpMetrics

	halted bool
}

// bufferedEmitter holds events emitted during a mutation so they publish only
// if the mutation commits.
type bufferedEmitter struct {
	pending []events.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

func (b *bufferedEmitter) flush(sink events.Emitter) {
	if sink != nil {
		for _, evt := range b.pending {
			sink.Emit(evt)
		}
	}
	b.pending = nil
}

func (b *bufferedEmitter) drop() { b.pending = nil }

// NewLedger wires the engines over a shared state manager and seeds the pools
// on first boot.
func NewLedger(params Params) (*Ledger, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("core: database required")
	}
	manager := state.NewManager(params.DB)
	custody := params.Custody
	if custody == nil {
		custody = state.NewVault(manager)
	}

	l := &Ledger{
		manager: manager,
		custody: custody,
		sink:    params.Emitter,
		buffer:  &bufferedEmitter{},
		metrics: observability.LedgerMetrics(),
	}

	l.treasury = treasury.NewEngine(manager, custody, params.Owner, params.UnstakingDelay)
	l.staking = staking.NewEngine(manager, params.Owner, params.UnstakingDelay)
	l.claims = rewards.NewManager(l.treasury, l.staking)
	l.treasury.SetEmitter(l.buffer)
	l.staking.SetEmitter(l.buffer)
	if params.NowFunc != nil {
		l.treasury.SetNowFunc(params.NowFunc)
		l.staking.SetNowFunc(params.NowFunc)
	}

	if err := l.bootstrap(params); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) bootstrap(params Params) error {
	return l.execute("bootstrap", func() error {
		pool, err := l.manager.TreasuryPool()
		if err != nil {
			return err
		}
		if pool == nil {
			if err := l.manager.SetTreasuryPool(accrual.NewPool(params.TreasuryRateBps)); err != nil {
				return err
			}
		}
		pool, err = l.manager.StakingPool()
		if err != nil {
			return err
		}
		if pool == nil {
			if err := l.manager.SetStakingPool(accrual.NewPool(params.StakingRateBps)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetNowFunc overrides the engines' time source, primarily for tests.
func (l *Ledger) SetNowFunc(now func() uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.treasury.SetNowFunc(now)
	l.staking.SetNowFunc(now)
}

// UnstakingDelay returns the maturation period exposed to clients.
func (l *Ledger) UnstakingDelay() uint64 {
	return l.treasury.UnstakingDelay()
}

// execute runs one mutation as an indivisible unit. Any error discards the
// overlay and the buffered events; an invariant violation additionally halts
// all further mutation.
func (l *Ledger) execute(op string, fn func() error) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	defer func() { l.metrics.Observe(op, start, err) }()

	if l.halted {
		err = ledger.ErrHalted
		return err
	}
	l.manager.Discard()
	l.buffer.drop()

	if err = fn(); err == nil {
		err = l.auditPeg()
	}
	if err != nil {
		l.manager.Discard()
		l.buffer.drop()
		if isInvariantViolation(err) {
			l.halted = true
			l.metrics.RecordInvariantViolation()
		}
		return err
	}
	if err = l.manager.Commit(); err != nil {
		l.manager.Discard()
		l.buffer.drop()
		return err
	}
	l.buffer.flush(l.sink)
	return nil
}

// auditPeg enforces totalMinted == treasury pool principal after every
// mutation, unless the emergency escape hatch has latched the broken-peg
// flag.
func (l *Ledger) auditPeg() error {
	broken, err := l.manager.PegBroken()
	if err != nil {
		return err
	}
	if broken {
		return nil
	}
	minted, err := l.manager.PeggedTotalMinted()
	if err != nil {
		return err
	}
	pool, err := l.manager.TreasuryPool()
	if err != nil {
		return err
	}
	total := big.NewInt(0)
	if pool != nil && pool.TotalPrincipal != nil {
		total = pool.TotalPrincipal
	}
	if minted.Cmp(total) != 0 {
		return fmt.Errorf("%w: pegged supply %s != treasury principal %s",
			ledger.ErrInvariantViolation, minted, total)
	}
	return nil
}

func isInvariantViolation(err error) bool {
	return errors.Is(err, ledger.ErrInvariantViolation)
}

// --- Write endpoints ---

// Deposit credits a native deposit and mints pegged tokens 1:1.
func (l *Ledger) Deposit(account [20]byte, amount *big.Int) (minted *big.Int, err error) {
	err = l.execute("deposit", func() error {
		var opErr error
		minted, opErr = l.treasury.Deposit(account, amount)
		return opErr
	})
	return minted, err
}

// RequestWithdraw queues a withdrawal and returns the entry id.
func (l *Ledger) RequestWithdraw(account [20]byte, amount *big.Int) (entryID uint64, err error) {
	err = l.execute("requestWithdraw", func() error {
		var opErr error
		entryID, opErr = l.treasury.RequestWithdraw(account, amount)
		return opErr
	})
	return entryID, err
}

// ClaimWithdraw releases a matured withdrawal. A failed custody transfer
// rolls the entry back to claimable.
func (l *Ledger) ClaimWithdraw(entryID uint64) (amount *big.Int, err error) {
	err = l.execute("claimWithdraw", func() error {
		var opErr error
		amount, opErr = l.treasury.ClaimWithdraw(entryID)
		return opErr
	})
	return amount, err
}

// Stake moves free pegged tokens into the staking ledger.
func (l *Ledger) Stake(account [20]byte, amount *big.Int) error {
	return l.execute("stake", func() error {
		return l.staking.Stake(account, amount)
	})
}

// RequestUnstake queues an unstake and returns the entry id.
func (l *Ledger) RequestUnstake(account [20]byte, amount *big.Int) (entryID uint64, err error) {
	err = l.execute("requestUnstake", func() error {
		var opErr error
		entryID, opErr = l.staking.RequestUnstake(account, amount)
		return opErr
	})
	return entryID, err
}

// ClaimUnstake releases a matured unstake back to the free pegged balance.
func (l *Ledger) ClaimUnstake(entryID uint64) (amount *big.Int, err error) {
	err = l.execute("claimUnstake", func() error {
		var opErr error
		amount, opErr = l.staking.ClaimUnstake(entryID)
		return opErr
	})
	return amount, err
}

// ToggleAutoInvest flips the account's compounding flag.
func (l *Ledger) ToggleAutoInvest(account [20]byte) (enabled bool, err error) {
	err = l.execute("toggleAutoInvest", func() error {
		var opErr error
		enabled, opErr = l.staking.ToggleAutoInvest(account)
		return opErr
	})
	return enabled, err
}

// ClaimAllRewards claims treasury then staking rewards atomically.
func (l *Ledger) ClaimAllRewards(account [20]byte) (breakdown *rewards.Breakdown, err error) {
	err = l.execute("claimAllRewards", func() error {
		var opErr error
		breakdown, opErr = l.claims.ClaimAll(account)
		return opErr
	})
	return breakdown, err
}

// ClaimTreasuryRewards claims only the primary-asset rewards.
func (l *Ledger) ClaimTreasuryRewards(account [20]byte) (amount *big.Int, err error) {
	err = l.execute("claimTreasuryRewards", func() error {
		var opErr error
		amount, opErr = l.treasury.ClaimRewards(account)
		return opErr
	})
	return amount, err
}

// ClaimStakingRewards claims only the USDH rewards.
func (l *Ledger) ClaimStakingRewards(account [20]byte) (amount *big.Int, err error) {
	err = l.execute("claimStakingRewards", func() error {
		var opErr error
		amount, opErr = l.staking.ClaimRewards(account)
		return opErr
	})
	return amount, err
}

// --- Administrative endpoints ---

// EmergencyWithdrawAll drains custody to the owner, bypassing the queue.
func (l *Ledger) EmergencyWithdrawAll(caller [20]byte) (amount *big.Int, err error) {
	err = l.execute("emergencyWithdrawAll", func() error {
		var opErr error
		amount, opErr = l.treasury.EmergencyWithdrawAll(caller)
		return opErr
	})
	if err == nil {
		l.metrics.RecordEmergencyWithdraw()
	}
	return amount, err
}

// SetTreasuryRateBps updates the treasury reward rate from now onward.
func (l *Ledger) SetTreasuryRateBps(caller [20]byte, rateBps uint64) error {
	return l.execute("setTreasuryRate", func() error {
		return l.treasury.SetRateBps(caller, rateBps)
	})
}

// SetStakingRateBps updates the USDH reward rate from now onward.
func (l *Ledger) SetStakingRateBps(caller [20]byte, rateBps uint64) error {
	return l.execute("setStakingRate", func() error {
		return l.staking.SetRateBps(caller, rateBps)
	})
}

// SetStakingPaused toggles the stake-entry gate.
func (l *Ledger) SetStakingPaused(caller [20]byte, paused bool) error {
	return l.execute("setStakingPaused", func() error {
		return l.staking.SetPaused(caller, paused)
	})
}

// ImportState loads a yaml snapshot into an empty ledger.
func (l *Ledger) ImportState(raw []byte) error {
	return l.execute("importState", func() error {
		return l.manager.Import(raw)
	})
}

// --- Read endpoints ---

// BalanceOf returns the account's treasury principal.
func (l *Ledger) BalanceOf(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury.BalanceOf(account)
}

// TreasuryBalance returns the custodied native balance.
func (l *Ledger) TreasuryBalance() (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury.TreasuryBalance()
}

// PendingWithdrawals lists the account's withdrawal queue entries.
func (l *Ledger) PendingWithdrawals(account [20]byte) ([]*timelock.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury.PendingWithdrawals(account)
}

// PendingUnstakes lists the account's unstaking queue entries.
func (l *Ledger) PendingUnstakes(account [20]byte) ([]*timelock.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.PendingUnstakes(account)
}

// TotalStaked returns the account's staked principal.
func (l *Ledger) TotalStaked(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.TotalStaked(account)
}

// VirtualStaked returns the auto-compounded share of the staked principal.
func (l *Ledger) VirtualStaked(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.VirtualStaked(account)
}

// VirtualSupply returns the total pegged tokens created by auto-invest
// compounding across all accounts.
func (l *Ledger) VirtualSupply() (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.VirtualSupply()
}

// CalculateTreasuryRewards projects claimable primary rewards at now.
func (l *Ledger) CalculateTreasuryRewards(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury.CalculateRewards(account)
}

// CalculateStakingRewards projects claimable USDH at now.
func (l *Ledger) CalculateStakingRewards(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.CalculateRewards(account)
}

// PeggedBalance returns the account's free zHYPE balance.
func (l *Ledger) PeggedBalance(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager.PeggedBalance(account)
}

// RewardBalance returns the account's claimed USDH balance.
func (l *Ledger) RewardBalance(account [20]byte) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager.RewardBalance(account)
}

// AutoInvest returns the account's compounding flag.
func (l *Ledger) AutoInvest(account [20]byte) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.AutoInvest(account)
}

// TreasuryRateBps returns the treasury pool's annual rate.
func (l *Ledger) TreasuryRateBps() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury.RateBps()
}

// StakingRateBps returns the staking pool's annual rate.
func (l *Ledger) StakingRateBps() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.staking.RateBps()
}

// ExportState serialises the full ledger state to yaml.
func (l *Ledger) ExportState() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager.Export()
}

// Halted reports whether an invariant violation stopped the ledger.
func (l *Ledger) Halted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted
}
