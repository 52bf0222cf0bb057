package state

import (
	"bytes"
	"math/big"
	"testing"

	"zhype/core/rewards"
	"zhype/native/timelock"
	"zhype/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestOverlayCommitAndDiscard(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	account := testAddr(0x01)

	if err := m.PeggedCredit(account, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !m.Dirty() {
		t.Fatal("overlay not dirty after write")
	}

	// Uncommitted writes are visible through the manager but not the store.
	balance, err := m.PeggedBalance(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance %s, want 100", balance)
	}
	fresh := NewManager(db)
	balance, err = fresh.PeggedBalance(account)
	if err != nil {
		t.Fatalf("fresh balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("fresh balance %s before commit, want 0", balance)
	}

	m.Discard()
	if m.Dirty() {
		t.Fatal("dirty after discard")
	}
	balance, err = m.PeggedBalance(account)
	if err != nil {
		t.Fatalf("balance after discard: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("balance %s after discard, want 0", balance)
	}

	if err := m.PeggedCredit(account, big.NewInt(42)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	balance, err = NewManager(db).PeggedBalance(account)
	if err != nil {
		t.Fatalf("committed balance: %v", err)
	}
	if balance.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("committed balance %s, want 42", balance)
	}
}

func TestPeggedDebitBelowZero(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	account := testAddr(0x01)
	if err := m.PeggedCredit(account, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := m.PeggedDebit(account, big.NewInt(11)); err == nil {
		t.Fatal("debit below zero succeeded")
	}
	if err := m.PeggedDebit(account, big.NewInt(10)); err != nil {
		t.Fatalf("exact debit: %v", err)
	}
}

func TestPositionRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	account := testAddr(0x02)

	pos := &rewards.Position{
		Principal:        big.NewInt(1_000),
		CheckpointTs:     777,
		AccruedUnclaimed: big.NewInt(5),
		AutoInvest:       true,
		StakedBaseline:   big.NewInt(900),
	}
	if err := m.SetStakingPosition(account, pos); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := NewManager(db).StakingPosition(account)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("position missing after commit")
	}
	if got.Principal.Cmp(pos.Principal) != 0 || got.CheckpointTs != pos.CheckpointTs ||
		got.AccruedUnclaimed.Cmp(pos.AccruedUnclaimed) != 0 || !got.AutoInvest ||
		got.StakedBaseline.Cmp(pos.StakedBaseline) != 0 {
		t.Fatalf("position %+v, want %+v", got, pos)
	}

	missing, err := m.StakingPosition(testAddr(0x03))
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown account")
	}
}

func TestAccountIndexDeduplicates(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	account := testAddr(0x02)
	pos := rewards.NewPosition(1)
	for i := 0; i < 3; i++ {
		if err := m.SetTreasuryPosition(account, pos); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	accounts, err := m.TreasuryAccounts()
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != account {
		t.Fatalf("index %v, want exactly one entry", accounts)
	}
}

func TestQueueNextIDSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	for want := uint64(1); want <= 3; want++ {
		id, err := m.QueueNextID("q")
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("id %d, want %d", id, want)
		}
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	id, err := NewManager(db).QueueNextID("q")
	if err != nil {
		t.Fatalf("next id after restart: %v", err)
	}
	if id != 4 {
		t.Fatalf("id %d after restart, want 4", id)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	alice := testAddr(0x0A)
	bob := testAddr(0x0B)

	if err := m.SetTreasuryPool(&rewards.Pool{
		TotalPrincipal:       big.NewInt(300),
		RateBps:              500,
		LastGlobalCheckpoint: 10,
		RateHistory:          []rewards.RateChange{{Until: 5, RateBps: 100}},
	}); err != nil {
		t.Fatalf("set treasury pool: %v", err)
	}
	if err := m.SetStakingPool(rewards.NewPool(1_200)); err != nil {
		t.Fatalf("set staking pool: %v", err)
	}
	if err := m.SetTreasuryPosition(alice, &rewards.Position{
		Principal:        big.NewInt(300),
		CheckpointTs:     10,
		AccruedUnclaimed: big.NewInt(7),
	}); err != nil {
		t.Fatalf("set position: %v", err)
	}
	if err := m.SetStakingPosition(bob, &rewards.Position{
		Principal:      big.NewInt(50),
		CheckpointTs:   10,
		AutoInvest:     true,
		StakedBaseline: big.NewInt(50),
	}); err != nil {
		t.Fatalf("set staking position: %v", err)
	}
	if err := m.SetPeggedTotalMinted(big.NewInt(300)); err != nil {
		t.Fatalf("set minted: %v", err)
	}
	if err := m.PeggedCredit(alice, big.NewInt(250)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := m.RewardCredit(bob, big.NewInt(12)); err != nil {
		t.Fatalf("reward credit: %v", err)
	}
	if err := m.SetStakingPaused(true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := m.AddVirtualSupply(big.NewInt(9)); err != nil {
		t.Fatalf("virtual supply: %v", err)
	}
	queue := timelock.NewQueue("staking.unstakes", 0, m)
	if _, err := queue.Push(bob, big.NewInt(50), 20); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	raw, err := m.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored := NewManager(storage.NewMemDB())
	if err := restored.Import(raw); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := restored.Commit(); err != nil {
		t.Fatalf("commit import: %v", err)
	}

	again, err := restored.Export()
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if !bytes.Equal(raw, again) {
		t.Fatalf("snapshot changed across round trip:\n%s\n---\n%s", raw, again)
	}

	pool, err := restored.TreasuryPool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.TotalPrincipal.Cmp(big.NewInt(300)) != 0 || pool.RateBps != 500 || len(pool.RateHistory) != 1 {
		t.Fatalf("pool %+v not restored", pool)
	}
	balance, err := restored.PeggedBalance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("balance %s, want 250", balance)
	}
	entry, ok, err := restored.QueueEntryGet("staking.unstakes", 1)
	if err != nil || !ok {
		t.Fatalf("queue entry missing: %v", err)
	}
	if entry.Owner != bob || entry.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("entry %+v not restored", entry)
	}
	paused, err := restored.StakingPaused()
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Fatal("paused flag not restored")
	}
	virtual, err := restored.VirtualSupply()
	if err != nil {
		t.Fatalf("virtual supply: %v", err)
	}
	if virtual.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("virtual supply %s, want 9", virtual)
	}
}
