package staking

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"zhype/core/rewards"
	"zhype/native/ledger"
	"zhype/native/timelock"
)

type mockState struct {
	positions map[[20]byte]*rewards.Position
	pool      *rewards.Pool
	pegged    map[[20]byte]*big.Int
	usdh      map[[20]byte]*big.Int
	paused    bool

	entries map[uint64]*timelock.Entry
	indexes map[[20]byte][]uint64
	nextID  uint64
	escrow  *big.Int
	virtual *big.Int
}

func newMockState() *mockState {
	return &mockState{
		positions: make(map[[20]byte]*rewards.Position),
		pool:      rewards.NewPool(0),
		pegged:    make(map[[20]byte]*big.Int),
		usdh:      make(map[[20]byte]*big.Int),
		entries:   make(map[uint64]*timelock.Entry),
		indexes:   make(map[[20]byte][]uint64),
		escrow:    big.NewInt(0),
		virtual:   big.NewInt(0),
	}
}

func (m *mockState) StakingPosition(addr [20]byte) (*rewards.Position, error) {
	pos, ok := m.positions[addr]
	if !ok {
		return nil, nil
	}
	return pos.Clone(), nil
}

func (m *mockState) SetStakingPosition(addr [20]byte, pos *rewards.Position) error {
	m.positions[addr] = pos.Clone()
	return nil
}

func (m *mockState) StakingPool() (*rewards.Pool, error) { return m.pool.Clone(), nil }

func (m *mockState) SetStakingPool(pool *rewards.Pool) error {
	m.pool = pool.Clone()
	return nil
}

func (m *mockState) PeggedCredit(addr [20]byte, amount *big.Int) error {
	balance, ok := m.pegged[addr]
	if !ok {
		balance = big.NewInt(0)
	}
	m.pegged[addr] = new(big.Int).Add(balance, amount)
	return nil
}

func (m *mockState) PeggedDebit(addr [20]byte, amount *big.Int) error {
	balance, ok := m.pegged[addr]
	if !ok || balance.Cmp(amount) < 0 {
		return ledger.ErrInsufficientBalance
	}
	m.pegged[addr] = new(big.Int).Sub(balance, amount)
	return nil
}

func (m *mockState) PeggedBalance(addr [20]byte) (*big.Int, error) {
	balance, ok := m.pegged[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *mockState) RewardCredit(addr [20]byte, amount *big.Int) error {
	balance, ok := m.usdh[addr]
	if !ok {
		balance = big.NewInt(0)
	}
	m.usdh[addr] = new(big.Int).Add(balance, amount)
	return nil
}

func (m *mockState) RewardBalance(addr [20]byte) (*big.Int, error) {
	balance, ok := m.usdh[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *mockState) AddVirtualSupply(delta *big.Int) error {
	m.virtual = new(big.Int).Add(m.virtual, delta)
	return nil
}

func (m *mockState) VirtualSupply() (*big.Int, error) {
	return new(big.Int).Set(m.virtual), nil
}

func (m *mockState) StakingPaused() (bool, error) { return m.paused, nil }

func (m *mockState) SetStakingPaused(paused bool) error {
	m.paused = paused
	return nil
}

func (m *mockState) QueueEntryPut(queue string, entry *timelock.Entry) error {
	m.entries[entry.ID] = entry.Clone()
	return nil
}

func (m *mockState) QueueEntryGet(queue string, id uint64) (*timelock.Entry, bool, error) {
	entry, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (m *mockState) QueueNextID(queue string) (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) QueueOwnerIndex(queue string, owner [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.indexes[owner]...), nil
}

func (m *mockState) QueueOwnerIndexAppend(queue string, owner [20]byte, id uint64) error {
	m.indexes[owner] = append(m.indexes[owner], id)
	return nil
}

func (m *mockState) QueueEscrowTotal(queue string) (*big.Int, error) {
	return new(big.Int).Set(m.escrow), nil
}

func (m *mockState) QueueSetEscrowTotal(queue string, total *big.Int) error {
	m.escrow = new(big.Int).Set(total)
	return nil
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEngine(t *testing.T, rateBps uint64) (*Engine, *mockState, *uint64) {
	t.Helper()
	state := newMockState()
	state.pool = rewards.NewPool(rateBps)
	engine := NewEngine(state, testAddr(0xAA), 0)
	now := uint64(1_000)
	engine.SetNowFunc(func() uint64 { return now })
	return engine, state, &now
}

func fund(state *mockState, addr [20]byte, amount int64) {
	state.pegged[addr] = big.NewInt(amount)
}

func TestStakeMovesFreeBalance(t *testing.T) {
	engine, state, _ := newTestEngine(t, 1_200)
	account := testAddr(0x01)
	fund(state, account, 100)

	require.NoError(t, engine.Stake(account, big.NewInt(60)))

	free, err := state.PeggedBalance(account)
	require.NoError(t, err)
	require.Zero(t, free.Cmp(big.NewInt(40)), "free balance %s, want 40", free)

	staked, err := engine.TotalStaked(account)
	require.NoError(t, err)
	require.Zero(t, staked.Cmp(big.NewInt(60)), "staked %s, want 60", staked)
}

func TestStakeRequiresFreeBalance(t *testing.T) {
	engine, state, _ := newTestEngine(t, 1_200)
	account := testAddr(0x01)
	fund(state, account, 10)
	require.ErrorIs(t, engine.Stake(account, big.NewInt(11)), ledger.ErrInsufficientBalance)
	require.ErrorIs(t, engine.Stake(account, big.NewInt(0)), ledger.ErrZeroAmount)
}

func TestStakePauseGatesEntryOnly(t *testing.T) {
	engine, state, now := newTestEngine(t, 1_200)
	owner := testAddr(0xAA)
	account := testAddr(0x01)
	fund(state, account, 100)
	require.NoError(t, engine.Stake(account, big.NewInt(100)))

	require.NoError(t, engine.SetPaused(owner, true))
	require.ErrorIs(t, engine.Stake(account, big.NewInt(1)), ledger.ErrPaused)

	// Exits stay open while paused.
	id, err := engine.RequestUnstake(account, big.NewInt(100))
	require.NoError(t, err)
	*now += timelock.DefaultUnstakingDelay
	released, err := engine.ClaimUnstake(id)
	require.NoError(t, err)
	require.Zero(t, released.Cmp(big.NewInt(100)))

	require.ErrorIs(t, engine.SetPaused(account, false), ledger.ErrUnauthorized)
}

func TestRequestUnstakeIndependentEntries(t *testing.T) {
	engine, state, now := newTestEngine(t, 1_200)
	account := testAddr(0x01)
	fund(state, account, 300)
	require.NoError(t, engine.Stake(account, big.NewInt(300)))

	first, err := engine.RequestUnstake(account, big.NewInt(100))
	require.NoError(t, err)
	*now += 50
	second, err := engine.RequestUnstake(account, big.NewInt(80))
	require.NoError(t, err)
	require.Equal(t, first+1, second)

	entries, err := engine.PendingUnstakes(account)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entries[0].MaturesAt+50, entries[1].MaturesAt)

	staked, err := engine.TotalStaked(account)
	require.NoError(t, err)
	require.Zero(t, staked.Cmp(big.NewInt(120)))
}

func TestClaimUnstakeRestoresFreeBalance(t *testing.T) {
	engine, state, now := newTestEngine(t, 1_200)
	account := testAddr(0x01)
	fund(state, account, 200)
	require.NoError(t, engine.Stake(account, big.NewInt(200)))

	id, err := engine.RequestUnstake(account, big.NewInt(200))
	require.NoError(t, err)

	*now += timelock.DefaultUnstakingDelay - 1
	_, err = engine.ClaimUnstake(id)
	require.ErrorIs(t, err, ledger.ErrNotMatured)

	*now++
	released, err := engine.ClaimUnstake(id)
	require.NoError(t, err)
	require.Zero(t, released.Cmp(big.NewInt(200)))

	free, err := state.PeggedBalance(account)
	require.NoError(t, err)
	require.Zero(t, free.Cmp(big.NewInt(200)))

	_, err = engine.ClaimUnstake(id)
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

func TestClaimRewardsCreditsUSDH(t *testing.T) {
	// 1200 bps is 12% annually: 1_000_000 staked earns 120_000 USDH.
	engine, state, now := newTestEngine(t, 1_200)
	account := testAddr(0x01)
	fund(state, account, 1_000_000)
	require.NoError(t, engine.Stake(account, big.NewInt(1_000_000)))

	*now += rewards.SecondsPerYear
	paid, err := engine.ClaimRewards(account)
	require.NoError(t, err)
	require.Zero(t, paid.Cmp(big.NewInt(120_000)), "paid %s, want 120000", paid)

	balance, err := state.RewardBalance(account)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(120_000)))

	// Nothing further accrued; claiming again pays zero without error.
	paid, err = engine.ClaimRewards(account)
	require.NoError(t, err)
	require.Zero(t, paid.Sign())
}

func TestAutoInvestCompoundsIntoPrincipal(t *testing.T) {
	engine, state, now := newTestEngine(t, 50_000)
	account := testAddr(0x01)
	fund(state, account, 1_000_000)
	require.NoError(t, engine.Stake(account, big.NewInt(1_000_000)))

	enabled, err := engine.ToggleAutoInvest(account)
	require.NoError(t, err)
	require.True(t, enabled)

	*now += rewards.SecondsPerYear
	paid, err := engine.ClaimRewards(account)
	require.NoError(t, err)
	require.Zero(t, paid.Sign(), "compounded rewards must not pay out")

	staked, err := engine.TotalStaked(account)
	require.NoError(t, err)
	require.Zero(t, staked.Cmp(big.NewInt(6_000_000)), "staked %s, want 6000000", staked)

	virtual, err := engine.VirtualStaked(account)
	require.NoError(t, err)
	require.Zero(t, virtual.Cmp(big.NewInt(5_000_000)), "virtual %s, want 5000000", virtual)

	require.Zero(t, state.pool.TotalPrincipal.Cmp(big.NewInt(6_000_000)),
		"pool total %s, want 6000000", state.pool.TotalPrincipal)

	// Compounding created tokens without a mint; the supply counter has
	// to track every folded delta.
	supply, err := engine.VirtualSupply()
	require.NoError(t, err)
	require.Zero(t, supply.Cmp(big.NewInt(5_000_000)), "virtual supply %s, want 5000000", supply)
}

func TestToggleAutoInvestNotRetroactive(t *testing.T) {
	engine, state, now := newTestEngine(t, 50_000)
	account := testAddr(0x01)
	fund(state, account, 1_000_000)
	require.NoError(t, engine.Stake(account, big.NewInt(1_000_000)))

	// A year accrues as claimable, then the toggle flips. The settled year
	// must stay claimable instead of retroactively compounding.
	*now += rewards.SecondsPerYear
	_, err := engine.ToggleAutoInvest(account)
	require.NoError(t, err)

	pos := state.positions[account]
	require.Zero(t, pos.AccruedUnclaimed.Cmp(big.NewInt(5_000_000)))
	require.Zero(t, pos.Principal.Cmp(big.NewInt(1_000_000)))

	paid, err := engine.ClaimRewards(account)
	require.NoError(t, err)
	require.Zero(t, paid.Cmp(big.NewInt(5_000_000)))
}

func TestUnstakeDrainsCompoundedGrowthFirst(t *testing.T) {
	engine, state, now := newTestEngine(t, 50_000)
	account := testAddr(0x01)
	fund(state, account, 1_000)
	require.NoError(t, engine.Stake(account, big.NewInt(1_000)))
	_, err := engine.ToggleAutoInvest(account)
	require.NoError(t, err)

	*now += rewards.SecondsPerYear // principal compounds to 6000
	_, err = engine.RequestUnstake(account, big.NewInt(5_500))
	require.NoError(t, err)

	staked, err := engine.TotalStaked(account)
	require.NoError(t, err)
	require.Zero(t, staked.Cmp(big.NewInt(500)))

	// Baseline clamps to the remaining principal, so nothing reports as
	// compounded growth anymore.
	virtual, err := engine.VirtualStaked(account)
	require.NoError(t, err)
	require.Zero(t, virtual.Sign())
}

func TestSetRateBpsOwnerOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t, 1_200)
	require.ErrorIs(t, engine.SetRateBps(testAddr(0x01), 9_999), ledger.ErrUnauthorized)
	require.NoError(t, engine.SetRateBps(testAddr(0xAA), 9_999))
	rate, err := engine.RateBps()
	require.NoError(t, err)
	require.Equal(t, uint64(9_999), rate)
}
