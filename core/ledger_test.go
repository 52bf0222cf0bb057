package core

import (
	"errors"
	"math/big"
	"testing"

	"zhype/core/events"
	"zhype/core/rewards"
	"zhype/native/ledger"
	"zhype/native/timelock"
	"zhype/storage"
)

type testClock struct {
	now uint64
}

func (c *testClock) fn() func() uint64 { return func() uint64 { return c.now } }

func (c *testClock) advance(d uint64) { c.now += d }

type captureEmitter struct {
	types []string
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.types = append(c.types, evt.EventType())
}

// flakyCustody is an in-memory custody that can be told to reject debits, for
// exercising transfer-failure rollback.
type flakyCustody struct {
	balance   *big.Int
	failDebit bool
}

func newFlakyCustody() *flakyCustody { return &flakyCustody{balance: big.NewInt(0)} }

func (c *flakyCustody) Credit(from [20]byte, amount *big.Int) (*big.Int, error) {
	c.balance = new(big.Int).Add(c.balance, amount)
	return new(big.Int).Set(amount), nil
}

func (c *flakyCustody) Debit(to [20]byte, amount *big.Int) error {
	if c.failDebit {
		return errors.New("bridge offline")
	}
	if c.balance.Cmp(amount) < 0 {
		return errors.New("insufficient custody")
	}
	c.balance = new(big.Int).Sub(c.balance, amount)
	return nil
}

func (c *flakyCustody) Balance() (*big.Int, error) { return new(big.Int).Set(c.balance), nil }

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var testOwner = testAddr(0xAA)

func newTestLedger(t *testing.T, params Params) (*Ledger, *testClock) {
	t.Helper()
	clock := &testClock{now: 1_000}
	if params.DB == nil {
		params.DB = storage.NewMemDB()
	}
	if params.Owner == ([20]byte{}) {
		params.Owner = testOwner
	}
	if params.TreasuryRateBps == 0 {
		params.TreasuryRateBps = 50_000 // 500% annually, keeps expected values round
	}
	if params.StakingRateBps == 0 {
		params.StakingRateBps = 1_200
	}
	params.NowFunc = clock.fn()
	l, err := NewLedger(params)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, clock
}

func mustDeposit(t *testing.T, l *Ledger, account [20]byte, amount int64) {
	t.Helper()
	if _, err := l.Deposit(account, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
}

func TestDepositAccruesAndWithdraws(t *testing.T) {
	l, clock := newTestLedger(t, Params{})
	alice := testAddr(0x01)

	mustDeposit(t, l, alice, 100)
	if balance, _ := l.BalanceOf(alice); balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("principal %s, want 100", balance)
	}
	if pegged, _ := l.PeggedBalance(alice); pegged.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("pegged %s, want 100", pegged)
	}

	clock.advance(rewards.SecondsPerYear)
	accrued, err := l.CalculateTreasuryRewards(alice)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if accrued.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("accrued %s, want 500", accrued)
	}

	id, err := l.RequestWithdraw(alice, big.NewInt(50))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if balance, _ := l.BalanceOf(alice); balance.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("principal %s after request, want 50", balance)
	}

	clock.advance(timelock.DefaultUnstakingDelay - 1)
	if _, err := l.ClaimWithdraw(id); !errors.Is(err, ledger.ErrNotMatured) {
		t.Fatalf("got %v, want ErrNotMatured", err)
	}
	clock.advance(1)
	amount, err := l.ClaimWithdraw(id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("claimed %s, want 50", amount)
	}
	if custody, _ := l.TreasuryBalance(); custody.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("custody %s, want 50", custody)
	}

	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestStakeUnstakeLifecycle(t *testing.T) {
	l, clock := newTestLedger(t, Params{})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 300)

	if err := l.Stake(alice, big.NewInt(300)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if pegged, _ := l.PeggedBalance(alice); pegged.Sign() != 0 {
		t.Fatalf("pegged %s after stake, want 0", pegged)
	}

	first, err := l.RequestUnstake(alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("first unstake: %v", err)
	}
	second, err := l.RequestUnstake(alice, big.NewInt(80))
	if err != nil {
		t.Fatalf("second unstake: %v", err)
	}
	if second != first+1 {
		t.Fatalf("ids %d, %d not independent", first, second)
	}
	if staked, _ := l.TotalStaked(alice); staked.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("staked %s, want 120", staked)
	}

	// Queued tokens are escrowed; they back neither stake nor free balance,
	// and a withdrawal of them is impossible until claimed.
	if _, err := l.RequestWithdraw(alice, big.NewInt(200)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	clock.advance(timelock.DefaultUnstakingDelay)
	for _, id := range []uint64{first, second} {
		if _, err := l.ClaimUnstake(id); err != nil {
			t.Fatalf("claim %d: %v", id, err)
		}
	}
	if pegged, _ := l.PeggedBalance(alice); pegged.Cmp(big.NewInt(180)) != 0 {
		t.Fatalf("pegged %s after claims, want 180", pegged)
	}

	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestClaimWithdrawRollsBackOnCustodyFailure(t *testing.T) {
	custody := newFlakyCustody()
	l, clock := newTestLedger(t, Params{Custody: custody})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 100)

	id, err := l.RequestWithdraw(alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	clock.advance(timelock.DefaultUnstakingDelay)

	custody.failDebit = true
	if _, err := l.ClaimWithdraw(id); !errors.Is(err, ledger.ErrCustodyTransfer) {
		t.Fatalf("got %v, want ErrCustodyTransfer", err)
	}

	// The failed claim committed nothing: the entry is still claimable.
	entries, err := l.PendingWithdrawals(alice)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 1 || entries[0].Claimed {
		t.Fatalf("entry consumed by failed claim: %+v", entries)
	}

	custody.failDebit = false
	amount, err := l.ClaimWithdraw(id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("claimed %s, want 100", amount)
	}
}

func TestClaimAllRewardsIsAtomic(t *testing.T) {
	custody := newFlakyCustody()
	l, clock := newTestLedger(t, Params{Custody: custody})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 1_000)
	if err := l.Stake(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.advance(rewards.SecondsPerYear)

	// The treasury payout fails, so the staking claim must not commit either.
	custody.failDebit = true
	if _, err := l.ClaimAllRewards(alice); !errors.Is(err, ledger.ErrCustodyTransfer) {
		t.Fatalf("got %v, want ErrCustodyTransfer", err)
	}
	stakingRewards, err := l.CalculateStakingRewards(alice)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if stakingRewards.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("staking rewards %s after failed claim-all, want 120 still claimable", stakingRewards)
	}
	if usdh, _ := l.RewardBalance(alice); usdh.Sign() != 0 {
		t.Fatalf("usdh %s after failed claim-all, want 0", usdh)
	}

	custody.failDebit = false
	custody.balance = new(big.Int).Add(custody.balance, big.NewInt(10_000))
	breakdown, err := l.ClaimAllRewards(alice)
	if err != nil {
		t.Fatalf("claim all: %v", err)
	}
	if breakdown.Treasury.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("treasury claim %s, want 5000", breakdown.Treasury)
	}
	if breakdown.Staking.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("staking claim %s, want 120", breakdown.Staking)
	}
	if usdh, _ := l.RewardBalance(alice); usdh.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("usdh %s, want 120", usdh)
	}
}

func TestEventsPublishOnlyOnCommit(t *testing.T) {
	sink := &captureEmitter{}
	l, clock := newTestLedger(t, Params{Emitter: sink})
	alice := testAddr(0x01)

	mustDeposit(t, l, alice, 100)
	if len(sink.types) != 1 || sink.types[0] != events.TypeTreasuryDeposited {
		t.Fatalf("events %v, want one %s", sink.types, events.TypeTreasuryDeposited)
	}

	id, err := l.RequestWithdraw(alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	published := len(sink.types)

	// A failing claim must not leak its events.
	if _, err := l.ClaimWithdraw(id); !errors.Is(err, ledger.ErrNotMatured) {
		t.Fatalf("got %v, want ErrNotMatured", err)
	}
	if len(sink.types) != published {
		t.Fatalf("failed claim published events: %v", sink.types[published:])
	}

	clock.advance(timelock.DefaultUnstakingDelay)
	if _, err := l.ClaimWithdraw(id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if sink.types[len(sink.types)-1] != events.TypeTreasuryWithdrawClaimed {
		t.Fatalf("last event %s, want %s", sink.types[len(sink.types)-1], events.TypeTreasuryWithdrawClaimed)
	}
}

func TestEmergencyWithdrawBreaksPegAndContinues(t *testing.T) {
	l, _ := newTestLedger(t, Params{})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 500)

	if _, err := l.EmergencyWithdrawAll(alice); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	drained, err := l.EmergencyWithdrawAll(testOwner)
	if err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if drained.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("drained %s, want 500", drained)
	}
	if custody, _ := l.TreasuryBalance(); custody.Sign() != 0 {
		t.Fatalf("custody %s, want 0", custody)
	}

	// The peg audit stands down once the flag latches; the ledger keeps
	// accepting deposits rather than halting.
	mustDeposit(t, l, alice, 10)
	if l.Halted() {
		t.Fatal("ledger halted after emergency withdraw")
	}
}

func TestInvariantViolationHaltsLedger(t *testing.T) {
	l, _ := newTestLedger(t, Params{})

	// A snapshot whose pegged supply disagrees with the treasury pool cannot
	// pass the peg audit.
	broken := []byte("peggedTotalMinted: \"100\"\ncustodyBalance: \"100\"\ntreasuryPool:\n  totalPrincipal: \"50\"\n  rateBps: 500\n  lastCheckpoint: 0\n")
	if err := l.ImportState(broken); !errors.Is(err, ledger.ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}
	if !l.Halted() {
		t.Fatal("ledger not halted")
	}
	if _, err := l.Deposit(testAddr(0x01), big.NewInt(1)); !errors.Is(err, ledger.ErrHalted) {
		t.Fatalf("got %v, want ErrHalted", err)
	}
	// Nothing from the rejected snapshot committed.
	fresh, err := l.manager.PeggedTotalMinted()
	if err != nil {
		t.Fatalf("minted: %v", err)
	}
	if fresh.Sign() != 0 {
		t.Fatalf("minted %s leaked from rejected import, want 0", fresh)
	}
}

func TestExportImportPreservesLedger(t *testing.T) {
	db := storage.NewMemDB()
	l, clock := newTestLedger(t, Params{DB: db})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 1_000)
	if err := l.Stake(alice, big.NewInt(400)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := l.RequestUnstake(alice, big.NewInt(100)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	clock.advance(3_600)

	raw, err := l.ExportState()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored, clock2 := newTestLedger(t, Params{})
	clock2.now = clock.now
	if err := restored.ImportState(raw); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := restored.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if balance, _ := restored.BalanceOf(alice); balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("principal %s, want 1000", balance)
	}
	if staked, _ := restored.TotalStaked(alice); staked.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("staked %s, want 300", staked)
	}
	if pegged, _ := restored.PeggedBalance(alice); pegged.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("pegged %s, want 600", pegged)
	}
	entries, err := restored.PendingUnstakes(alice)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("queue entries %+v not restored", entries)
	}
}

func TestPauseBlocksStakeOnly(t *testing.T) {
	l, clock := newTestLedger(t, Params{})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 200)
	if err := l.Stake(alice, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}

	if err := l.SetStakingPaused(testOwner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := l.Stake(alice, big.NewInt(50)); !errors.Is(err, ledger.ErrPaused) {
		t.Fatalf("got %v, want ErrPaused", err)
	}

	id, err := l.RequestUnstake(alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("unstake while paused: %v", err)
	}
	clock.advance(timelock.DefaultUnstakingDelay)
	if _, err := l.ClaimUnstake(id); err != nil {
		t.Fatalf("claim while paused: %v", err)
	}
	withdrawID, err := l.RequestWithdraw(alice, big.NewInt(200))
	if err != nil {
		t.Fatalf("withdraw while paused: %v", err)
	}
	clock.advance(timelock.DefaultUnstakingDelay)
	if _, err := l.ClaimWithdraw(withdrawID); err != nil {
		t.Fatalf("claim withdraw while paused: %v", err)
	}
}

func TestRateUpdateAppliesForward(t *testing.T) {
	l, clock := newTestLedger(t, Params{TreasuryRateBps: 10_000})
	alice := testAddr(0x01)
	mustDeposit(t, l, alice, 1_000_000)

	clock.advance(rewards.SecondsPerYear / 2)
	if err := l.SetTreasuryRateBps(testOwner, 20_000); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	clock.advance(rewards.SecondsPerYear / 2)

	accrued, err := l.CalculateTreasuryRewards(alice)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if accrued.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("accrued %s, want 1500000", accrued)
	}
	if rate, _ := l.TreasuryRateBps(); rate != 20_000 {
		t.Fatalf("rate %d, want 20000", rate)
	}
}

func TestVerifyIntegrityAfterAutoInvestCompounding(t *testing.T) {
	db := storage.NewMemDB()
	l, clock := newTestLedger(t, Params{DB: db})
	alice := testAddr(0x01)

	mustDeposit(t, l, alice, 1_000)
	if err := l.Stake(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := l.ToggleAutoInvest(alice); err != nil {
		t.Fatalf("toggle auto-invest: %v", err)
	}

	// A year at 1200 bps compounds the 1000 staked into 1120. No tokens
	// were minted for the growth, and the audit must account for that.
	clock.advance(rewards.SecondsPerYear)
	paid, err := l.ClaimStakingRewards(alice)
	if err != nil {
		t.Fatalf("claim staking rewards: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("compounded rewards paid out %s", paid)
	}
	if staked, _ := l.TotalStaked(alice); staked.Cmp(big.NewInt(1_120)) != 0 {
		t.Fatalf("staked %s, want 1120", staked)
	}
	if virtual, _ := l.VirtualSupply(); virtual.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("virtual supply %s, want 120", virtual)
	}
	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity after compounding: %v", err)
	}
	if l.Halted() {
		t.Fatal("ledger must not halt on compounded growth")
	}

	// A fresh ledger over the same database runs the same audit at
	// startup, so a node restart must survive compounded state too.
	restarted, err := NewLedger(Params{
		DB:              db,
		Owner:           testOwner,
		TreasuryRateBps: 50_000,
		StakingRateBps:  1_200,
		NowFunc:         clock.fn(),
	})
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	if err := restarted.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity after restart: %v", err)
	}
}

func TestClaimUnstakeMaterializesCompoundedTokens(t *testing.T) {
	l, clock := newTestLedger(t, Params{})
	alice := testAddr(0x01)

	mustDeposit(t, l, alice, 1_000)
	if err := l.Stake(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := l.ToggleAutoInvest(alice); err != nil {
		t.Fatalf("toggle auto-invest: %v", err)
	}
	clock.advance(rewards.SecondsPerYear)

	// Unstaking the full compounded principal pushes the virtual growth
	// through the queue and back into the free balance.
	id, err := l.RequestUnstake(alice, big.NewInt(1_120))
	if err != nil {
		t.Fatalf("request unstake: %v", err)
	}
	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity with compounded escrow: %v", err)
	}

	clock.advance(l.UnstakingDelay())
	released, err := l.ClaimUnstake(id)
	if err != nil {
		t.Fatalf("claim unstake: %v", err)
	}
	if released.Cmp(big.NewInt(1_120)) != 0 {
		t.Fatalf("released %s, want 1120", released)
	}
	if free, _ := l.PeggedBalance(alice); free.Cmp(big.NewInt(1_120)) != 0 {
		t.Fatalf("free balance %s, want 1120", free)
	}
	if virtual, _ := l.VirtualSupply(); virtual.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("virtual supply %s, want 120", virtual)
	}
	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity after materialization: %v", err)
	}
}
