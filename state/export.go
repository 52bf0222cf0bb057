package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"gopkg.in/yaml.v3"

	"zhype/core/rewards"
	"zhype/native/timelock"
)

// Snapshot is the portable form of the full ledger state, used for
// genesis-style bootstrapping and operational backups.
type Snapshot struct {
	TreasuryPool      *poolDoc       `yaml:"treasuryPool,omitempty"`
	StakingPool       *poolDoc       `yaml:"stakingPool,omitempty"`
	PeggedTotalMinted string         `yaml:"peggedTotalMinted"`
	VirtualSupply     string         `yaml:"virtualSupply,omitempty"`
	CustodyBalance    string         `yaml:"custodyBalance"`
	PegBroken         bool           `yaml:"pegBroken,omitempty"`
	StakingPaused     bool           `yaml:"stakingPaused,omitempty"`
	Treasury          []positionDoc  `yaml:"treasury,omitempty"`
	Staking           []positionDoc  `yaml:"staking,omitempty"`
	PeggedBalances    []balanceDoc   `yaml:"peggedBalances,omitempty"`
	RewardBalances    []balanceDoc   `yaml:"rewardBalances,omitempty"`
	Queues            []queueDoc     `yaml:"queues,omitempty"`
}

type poolDoc struct {
	TotalPrincipal string            `yaml:"totalPrincipal"`
	RateBps        uint64            `yaml:"rateBps"`
	LastCheckpoint uint64            `yaml:"lastCheckpoint"`
	RateHistory    []rateChangeDoc   `yaml:"rateHistory,omitempty"`
}

type rateChangeDoc struct {
	Until   uint64 `yaml:"until"`
	RateBps uint64 `yaml:"rateBps"`
}

type positionDoc struct {
	Address          string `yaml:"address"`
	Principal        string `yaml:"principal"`
	CheckpointTs     uint64 `yaml:"checkpointTs"`
	AccruedUnclaimed string `yaml:"accruedUnclaimed"`
	AutoInvest       bool   `yaml:"autoInvest,omitempty"`
	StakedBaseline   string `yaml:"stakedBaseline,omitempty"`
}

type balanceDoc struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

type queueDoc struct {
	Name    string     `yaml:"name"`
	NextID  uint64     `yaml:"nextId"`
	Escrow  string     `yaml:"escrow"`
	Entries []entryDoc `yaml:"entries,omitempty"`
}

type entryDoc struct {
	ID          uint64 `yaml:"id"`
	Owner       string `yaml:"owner"`
	Amount      string `yaml:"amount"`
	RequestedAt uint64 `yaml:"requestedAt"`
	MaturesAt   uint64 `yaml:"maturesAt"`
	Claimed     bool   `yaml:"claimed,omitempty"`
}

// queueNames lists every queue the engines instantiate.
var queueNames = []string{"treasury.withdrawals", "staking.unstakes"}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid amount %q", s)
	}
	return v, nil
}

func parseAddr(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("state: invalid address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func exportPool(pool *rewards.Pool) *poolDoc {
	if pool == nil {
		return nil
	}
	doc := &poolDoc{
		TotalPrincipal: bigString(pool.TotalPrincipal),
		RateBps:        pool.RateBps,
		LastCheckpoint: pool.LastGlobalCheckpoint,
	}
	for _, change := range pool.RateHistory {
		doc.RateHistory = append(doc.RateHistory, rateChangeDoc{Until: change.Until, RateBps: change.RateBps})
	}
	return doc
}

func importPool(doc *poolDoc) (*rewards.Pool, error) {
	if doc == nil {
		return nil, nil
	}
	total, err := parseBig(doc.TotalPrincipal)
	if err != nil {
		return nil, err
	}
	pool := &rewards.Pool{
		TotalPrincipal:       total,
		RateBps:              doc.RateBps,
		LastGlobalCheckpoint: doc.LastCheckpoint,
	}
	for _, change := range doc.RateHistory {
		pool.RateHistory = append(pool.RateHistory, rewards.RateChange{Until: change.Until, RateBps: change.RateBps})
	}
	return pool, nil
}

func (m *Manager) exportPositions(accounts [][20]byte, load func([20]byte) (*rewards.Position, error)) ([]positionDoc, error) {
	docs := make([]positionDoc, 0, len(accounts))
	for _, addr := range accounts {
		pos, err := load(addr)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			continue
		}
		docs = append(docs, positionDoc{
			Address:          hex.EncodeToString(addr[:]),
			Principal:        bigString(pos.Principal),
			CheckpointTs:     pos.CheckpointTs,
			AccruedUnclaimed: bigString(pos.AccruedUnclaimed),
			AutoInvest:       pos.AutoInvest,
			StakedBaseline:   bigString(pos.StakedBaseline),
		})
	}
	return docs, nil
}

// Export serialises the full ledger state to yaml.
func (m *Manager) Export() ([]byte, error) {
	snap := &Snapshot{}

	treasuryPool, err := m.TreasuryPool()
	if err != nil {
		return nil, err
	}
	snap.TreasuryPool = exportPool(treasuryPool)

	stakingPool, err := m.StakingPool()
	if err != nil {
		return nil, err
	}
	snap.StakingPool = exportPool(stakingPool)

	minted, err := m.PeggedTotalMinted()
	if err != nil {
		return nil, err
	}
	snap.PeggedTotalMinted = bigString(minted)

	virtual, err := m.VirtualSupply()
	if err != nil {
		return nil, err
	}
	if virtual.Sign() > 0 {
		snap.VirtualSupply = virtual.String()
	}

	custody, err := m.getBigInt(keyCustodyBalance)
	if err != nil {
		return nil, err
	}
	snap.CustodyBalance = bigString(custody)

	if snap.PegBroken, err = m.PegBroken(); err != nil {
		return nil, err
	}
	if snap.StakingPaused, err = m.StakingPaused(); err != nil {
		return nil, err
	}

	treasuryAccounts, err := m.TreasuryAccounts()
	if err != nil {
		return nil, err
	}
	if snap.Treasury, err = m.exportPositions(treasuryAccounts, m.TreasuryPosition); err != nil {
		return nil, err
	}
	stakingAccounts, err := m.StakingAccounts()
	if err != nil {
		return nil, err
	}
	if snap.Staking, err = m.exportPositions(stakingAccounts, m.StakingPosition); err != nil {
		return nil, err
	}

	// Every pegged or reward balance holder appears in one of the two
	// account indexes: mints go to depositors and reward credits to stakers.
	holders := make(map[[20]byte]struct{})
	for _, addr := range treasuryAccounts {
		holders[addr] = struct{}{}
	}
	for _, addr := range stakingAccounts {
		holders[addr] = struct{}{}
	}
	ordered := make([][20]byte, 0, len(holders))
	for addr := range holders {
		ordered = append(ordered, addr)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return hex.EncodeToString(ordered[i][:]) < hex.EncodeToString(ordered[j][:])
	})
	for _, addr := range ordered {
		pegged, err := m.PeggedBalance(addr)
		if err != nil {
			return nil, err
		}
		if pegged.Sign() > 0 {
			snap.PeggedBalances = append(snap.PeggedBalances, balanceDoc{
				Address: hex.EncodeToString(addr[:]),
				Amount:  pegged.String(),
			})
		}
		reward, err := m.RewardBalance(addr)
		if err != nil {
			return nil, err
		}
		if reward.Sign() > 0 {
			snap.RewardBalances = append(snap.RewardBalances, balanceDoc{
				Address: hex.EncodeToString(addr[:]),
				Amount:  reward.String(),
			})
		}
	}

	for _, name := range queueNames {
		var nextID uint64
		if _, err := m.getJSON(keyQueueNextID(name), &nextID); err != nil {
			return nil, err
		}
		escrow, err := m.QueueEscrowTotal(name)
		if err != nil {
			return nil, err
		}
		doc := queueDoc{Name: name, NextID: nextID, Escrow: bigString(escrow)}
		for id := uint64(1); id <= nextID; id++ {
			entry, ok, err := m.QueueEntryGet(name, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			doc.Entries = append(doc.Entries, entryDoc{
				ID:          entry.ID,
				Owner:       hex.EncodeToString(entry.Owner[:]),
				Amount:      bigString(entry.Amount),
				RequestedAt: entry.RequestedAt,
				MaturesAt:   entry.MaturesAt,
				Claimed:     entry.Claimed,
			})
		}
		snap.Queues = append(snap.Queues, doc)
	}

	return yaml.Marshal(snap)
}

// Import loads a yaml snapshot into the overlay. The caller commits.
func (m *Manager) Import(raw []byte) error {
	snap := new(Snapshot)
	if err := yaml.Unmarshal(raw, snap); err != nil {
		return fmt.Errorf("state: decode snapshot: %w", err)
	}

	if pool, err := importPool(snap.TreasuryPool); err != nil {
		return err
	} else if pool != nil {
		if err := m.SetTreasuryPool(pool); err != nil {
			return err
		}
	}
	if pool, err := importPool(snap.StakingPool); err != nil {
		return err
	} else if pool != nil {
		if err := m.SetStakingPool(pool); err != nil {
			return err
		}
	}

	minted, err := parseBig(snap.PeggedTotalMinted)
	if err != nil {
		return err
	}
	if err := m.SetPeggedTotalMinted(minted); err != nil {
		return err
	}
	virtual, err := parseBig(snap.VirtualSupply)
	if err != nil {
		return err
	}
	if err := m.SetVirtualSupply(virtual); err != nil {
		return err
	}
	custody, err := parseBig(snap.CustodyBalance)
	if err != nil {
		return err
	}
	m.putBigInt(keyCustodyBalance, custody)
	if err := m.SetPegBroken(snap.PegBroken); err != nil {
		return err
	}
	if err := m.SetStakingPaused(snap.StakingPaused); err != nil {
		return err
	}

	importPosition := func(doc positionDoc, set func([20]byte, *rewards.Position) error) error {
		addr, err := parseAddr(doc.Address)
		if err != nil {
			return err
		}
		principal, err := parseBig(doc.Principal)
		if err != nil {
			return err
		}
		unclaimed, err := parseBig(doc.AccruedUnclaimed)
		if err != nil {
			return err
		}
		baseline, err := parseBig(doc.StakedBaseline)
		if err != nil {
			return err
		}
		return set(addr, &rewards.Position{
			Principal:        principal,
			CheckpointTs:     doc.CheckpointTs,
			AccruedUnclaimed: unclaimed,
			AutoInvest:       doc.AutoInvest,
			StakedBaseline:   baseline,
		})
	}
	for _, doc := range snap.Treasury {
		if err := importPosition(doc, m.SetTreasuryPosition); err != nil {
			return err
		}
	}
	for _, doc := range snap.Staking {
		if err := importPosition(doc, m.SetStakingPosition); err != nil {
			return err
		}
	}

	for _, doc := range snap.PeggedBalances {
		addr, err := parseAddr(doc.Address)
		if err != nil {
			return err
		}
		amount, err := parseBig(doc.Amount)
		if err != nil {
			return err
		}
		m.putBigInt(keyPeggedBalance(addr), amount)
	}
	for _, doc := range snap.RewardBalances {
		addr, err := parseAddr(doc.Address)
		if err != nil {
			return err
		}
		amount, err := parseBig(doc.Amount)
		if err != nil {
			return err
		}
		m.putBigInt(keyRewardBalance(addr), amount)
	}

	for _, doc := range snap.Queues {
		if err := m.putJSON(keyQueueNextID(doc.Name), doc.NextID); err != nil {
			return err
		}
		escrow, err := parseBig(doc.Escrow)
		if err != nil {
			return err
		}
		if err := m.QueueSetEscrowTotal(doc.Name, escrow); err != nil {
			return err
		}
		for _, entryDoc := range doc.Entries {
			owner, err := parseAddr(entryDoc.Owner)
			if err != nil {
				return err
			}
			amount, err := parseBig(entryDoc.Amount)
			if err != nil {
				return err
			}
			entry := &timelock.Entry{
				ID:          entryDoc.ID,
				Owner:       owner,
				Amount:      amount,
				RequestedAt: entryDoc.RequestedAt,
				MaturesAt:   entryDoc.MaturesAt,
				Claimed:     entryDoc.Claimed,
			}
			if err := m.QueueEntryPut(doc.Name, entry); err != nil {
				return err
			}
			if err := m.QueueOwnerIndexAppend(doc.Name, owner, entry.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
