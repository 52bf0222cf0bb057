package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"zhype/core/rewards"
	"zhype/native/timelock"
	"zhype/storage"
)

// Key layout. Everything is JSON-encoded under a flat, slash-separated
// namespace; enumeration uses explicit index keys rather than range scans.
const (
	keyTreasuryPool     = "treasury/pool"
	keyTreasuryAccounts = "treasury/accounts"
	keyStakingPool      = "staking/pool"
	keyStakingAccounts  = "staking/accounts"
	keyPeggedSupply     = "pegged/totalMinted"
	keyVirtualSupply    = "staking/virtualSupply"
	keyPegBroken        = "flags/pegBroken"
	keyStakingPaused    = "flags/stakingPaused"
	keyCustodyBalance   = "custody/balance"
)

func keyTreasuryPosition(addr [20]byte) string {
	return "treasury/position/" + hex.EncodeToString(addr[:])
}

func keyStakingPosition(addr [20]byte) string {
	return "staking/position/" + hex.EncodeToString(addr[:])
}

func keyPeggedBalance(addr [20]byte) string {
	return "pegged/balance/" + hex.EncodeToString(addr[:])
}

func keyRewardBalance(addr [20]byte) string {
	return "reward/balance/" + hex.EncodeToString(addr[:])
}

func keyQueueEntry(queue string, id uint64) string {
	return fmt.Sprintf("queue/%s/entry/%d", queue, id)
}

func keyQueueNextID(queue string) string {
	return "queue/" + queue + "/nextId"
}

func keyQueueOwner(queue string, addr [20]byte) string {
	return "queue/" + queue + "/owner/" + hex.EncodeToString(addr[:])
}

func keyQueueEscrow(queue string) string {
	return "queue/" + queue + "/escrow"
}

// Manager implements the engines' state interfaces over a key-value store.
// All writes land in an in-memory overlay; Commit flushes the overlay to the
// backing store and Discard drops it. A failing operation therefore commits
// nothing, which is what gives claim rollback and invariant-violation
// isolation their teeth.
type Manager struct {
	db      storage.Database
	overlay map[string][]byte
	deleted map[string]struct{}
}

// NewManager constructs a manager over the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

// Dirty reports whether uncommitted writes are buffered.
func (m *Manager) Dirty() bool {
	return len(m.overlay) > 0 || len(m.deleted) > 0
}

// Commit flushes buffered writes to the backing store.
func (m *Manager) Commit() error {
	keys := make([]string, 0, len(m.overlay))
	for k := range m.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.db.Put([]byte(k), m.overlay[k]); err != nil {
			return err
		}
	}
	for k := range m.deleted {
		if err := m.db.Delete([]byte(k)); err != nil {
			return err
		}
	}
	m.Discard()
	return nil
}

// Discard drops all buffered writes.
func (m *Manager) Discard() {
	m.overlay = make(map[string][]byte)
	m.deleted = make(map[string]struct{})
}

func (m *Manager) get(key string) ([]byte, bool, error) {
	if v, ok := m.overlay[key]; ok {
		return v, true, nil
	}
	if _, ok := m.deleted[key]; ok {
		return nil, false, nil
	}
	v, err := m.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (m *Manager) put(key string, value []byte) {
	delete(m.deleted, key)
	m.overlay[key] = value
}

func (m *Manager) getJSON(key string, out any) (bool, error) {
	raw, ok, err := m.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	m.put(key, raw)
	return nil
}

func (m *Manager) getBigInt(key string) (*big.Int, error) {
	raw, ok, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	v, valid := new(big.Int).SetString(string(raw), 10)
	if !valid {
		return nil, fmt.Errorf("state: corrupt big integer at %s", key)
	}
	return v, nil
}

func (m *Manager) putBigInt(key string, v *big.Int) {
	if v == nil {
		v = big.NewInt(0)
	}
	m.put(key, []byte(v.String()))
}

func (m *Manager) getBool(key string) (bool, error) {
	raw, ok, err := m.get(key)
	if err != nil || !ok {
		return false, err
	}
	return string(raw) == "1", nil
}

func (m *Manager) putBool(key string, v bool) {
	if v {
		m.put(key, []byte("1"))
	} else {
		m.put(key, []byte("0"))
	}
}

func (m *Manager) appendAccountIndex(key string, addr [20]byte) error {
	var index []string
	if _, err := m.getJSON(key, &index); err != nil {
		return err
	}
	encoded := hex.EncodeToString(addr[:])
	for _, existing := range index {
		if existing == encoded {
			return nil
		}
	}
	index = append(index, encoded)
	return m.putJSON(key, index)
}

func (m *Manager) accountIndex(key string) ([][20]byte, error) {
	var index []string
	if _, err := m.getJSON(key, &index); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(index))
	for _, encoded := range index {
		raw, err := hex.DecodeString(encoded)
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("state: corrupt account index entry %q", encoded)
		}
		var addr [20]byte
		copy(addr[:], raw)
		out = append(out, addr)
	}
	return out, nil
}

// --- Treasury ledger ---

func (m *Manager) TreasuryPosition(addr [20]byte) (*rewards.Position, error) {
	pos := new(rewards.Position)
	ok, err := m.getJSON(keyTreasuryPosition(addr), pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return pos.Normalize(), nil
}

func (m *Manager) SetTreasuryPosition(addr [20]byte, pos *rewards.Position) error {
	if err := m.appendAccountIndex(keyTreasuryAccounts, addr); err != nil {
		return err
	}
	return m.putJSON(keyTreasuryPosition(addr), pos)
}

func (m *Manager) TreasuryPool() (*rewards.Pool, error) {
	pool := new(rewards.Pool)
	ok, err := m.getJSON(keyTreasuryPool, pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return pool.Normalize(), nil
}

func (m *Manager) SetTreasuryPool(pool *rewards.Pool) error {
	return m.putJSON(keyTreasuryPool, pool)
}

// TreasuryAccounts returns every address that ever held a treasury position.
func (m *Manager) TreasuryAccounts() ([][20]byte, error) {
	return m.accountIndex(keyTreasuryAccounts)
}

// --- Staking ledger ---

func (m *Manager) StakingPosition(addr [20]byte) (*rewards.Position, error) {
	pos := new(rewards.Position)
	ok, err := m.getJSON(keyStakingPosition(addr), pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return pos.Normalize(), nil
}

func (m *Manager) SetStakingPosition(addr [20]byte, pos *rewards.Position) error {
	if err := m.appendAccountIndex(keyStakingAccounts, addr); err != nil {
		return err
	}
	return m.putJSON(keyStakingPosition(addr), pos)
}

func (m *Manager) StakingPool() (*rewards.Pool, error) {
	pool := new(rewards.Pool)
	ok, err := m.getJSON(keyStakingPool, pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return pool.Normalize(), nil
}

func (m *Manager) SetStakingPool(pool *rewards.Pool) error {
	return m.putJSON(keyStakingPool, pool)
}

// StakingAccounts returns every address that ever held a staking position.
func (m *Manager) StakingAccounts() ([][20]byte, error) {
	return m.accountIndex(keyStakingAccounts)
}

// --- Pegged token ledger (zHYPE) ---

func (m *Manager) PeggedTotalMinted() (*big.Int, error) {
	return m.getBigInt(keyPeggedSupply)
}

func (m *Manager) SetPeggedTotalMinted(total *big.Int) error {
	if total == nil || total.Sign() < 0 {
		return fmt.Errorf("state: pegged supply must be non-negative")
	}
	m.putBigInt(keyPeggedSupply, total)
	return nil
}

func (m *Manager) PeggedBalance(addr [20]byte) (*big.Int, error) {
	return m.getBigInt(keyPeggedBalance(addr))
}

func (m *Manager) PeggedCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative pegged credit")
	}
	balance, err := m.PeggedBalance(addr)
	if err != nil {
		return err
	}
	m.putBigInt(keyPeggedBalance(addr), new(big.Int).Add(balance, amount))
	return nil
}

func (m *Manager) PeggedDebit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative pegged debit")
	}
	balance, err := m.PeggedBalance(addr)
	if err != nil {
		return err
	}
	next := new(big.Int).Sub(balance, amount)
	if next.Sign() < 0 {
		return fmt.Errorf("state: pegged balance below zero")
	}
	m.putBigInt(keyPeggedBalance(addr), next)
	return nil
}

// VirtualSupply returns the pegged tokens created by auto-invest
// compounding. They have no treasury deposit behind them, so the
// conservation audit counts them alongside the minted supply.
func (m *Manager) VirtualSupply() (*big.Int, error) {
	return m.getBigInt(keyVirtualSupply)
}

func (m *Manager) AddVirtualSupply(delta *big.Int) error {
	if delta == nil || delta.Sign() < 0 {
		return fmt.Errorf("state: negative virtual supply delta")
	}
	total, err := m.VirtualSupply()
	if err != nil {
		return err
	}
	m.putBigInt(keyVirtualSupply, new(big.Int).Add(total, delta))
	return nil
}

func (m *Manager) SetVirtualSupply(total *big.Int) error {
	if total == nil || total.Sign() < 0 {
		return fmt.Errorf("state: virtual supply must be non-negative")
	}
	m.putBigInt(keyVirtualSupply, total)
	return nil
}

// --- Reward token ledger (USDH) ---

func (m *Manager) RewardBalance(addr [20]byte) (*big.Int, error) {
	return m.getBigInt(keyRewardBalance(addr))
}

func (m *Manager) RewardCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative reward credit")
	}
	balance, err := m.RewardBalance(addr)
	if err != nil {
		return err
	}
	m.putBigInt(keyRewardBalance(addr), new(big.Int).Add(balance, amount))
	return nil
}

// --- Flags ---

func (m *Manager) PegBroken() (bool, error) {
	return m.getBool(keyPegBroken)
}

func (m *Manager) SetPegBroken(broken bool) error {
	m.putBool(keyPegBroken, broken)
	return nil
}

func (m *Manager) StakingPaused() (bool, error) {
	return m.getBool(keyStakingPaused)
}

func (m *Manager) SetStakingPaused(paused bool) error {
	m.putBool(keyStakingPaused, paused)
	return nil
}

// --- Time-lock queues ---

func (m *Manager) QueueEntryPut(queue string, entry *timelock.Entry) error {
	if entry == nil {
		return fmt.Errorf("state: nil queue entry")
	}
	return m.putJSON(keyQueueEntry(queue, entry.ID), entry)
}

func (m *Manager) QueueEntryGet(queue string, id uint64) (*timelock.Entry, bool, error) {
	entry := new(timelock.Entry)
	ok, err := m.getJSON(keyQueueEntry(queue, id), entry)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry, true, nil
}

func (m *Manager) QueueNextID(queue string) (uint64, error) {
	var next uint64
	if _, err := m.getJSON(keyQueueNextID(queue), &next); err != nil {
		return 0, err
	}
	next++
	if err := m.putJSON(keyQueueNextID(queue), next); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *Manager) QueueOwnerIndex(queue string, owner [20]byte) ([]uint64, error) {
	var ids []uint64
	if _, err := m.getJSON(keyQueueOwner(queue, owner), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) QueueOwnerIndexAppend(queue string, owner [20]byte, id uint64) error {
	ids, err := m.QueueOwnerIndex(queue, owner)
	if err != nil {
		return err
	}
	return m.putJSON(keyQueueOwner(queue, owner), append(ids, id))
}

func (m *Manager) QueueEscrowTotal(queue string) (*big.Int, error) {
	return m.getBigInt(keyQueueEscrow(queue))
}

func (m *Manager) QueueSetEscrowTotal(queue string, total *big.Int) error {
	if total == nil || total.Sign() < 0 {
		return fmt.Errorf("state: negative queue escrow")
	}
	m.putBigInt(keyQueueEscrow(queue), total)
	return nil
}
