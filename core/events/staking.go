package events

import (
	"math/big"
	"strconv"

	"zhype/core/types"
	"zhype/crypto"
)

const (
	// TypeStakingStaked captures pegged tokens moving from the free balance
	// into the staking ledger.
	TypeStakingStaked = "staking.staked"
	// TypeStakingUnstakeRequested is emitted when staked principal enters
	// the unstaking queue.
	TypeStakingUnstakeRequested = "staking.unstakeRequested"
	// TypeStakingUnstakeClaimed is emitted when a matured unstake releases
	// pegged tokens back to the free balance.
	TypeStakingUnstakeClaimed = "staking.unstakeClaimed"
	// TypeStakingRewardsClaimed is emitted when accrued USDH rewards are
	// paid out.
	TypeStakingRewardsClaimed = "staking.rewardsClaimed"
	// TypeStakingAutoInvestToggled records per-account compounding toggles.
	TypeStakingAutoInvestToggled = "staking.autoInvestToggled"
	// TypeStakingAutoInvested records rewards folded into principal during
	// a checkpoint.
	TypeStakingAutoInvested = "staking.autoInvested"
	// TypeStakingPaused is emitted when staking mutations are rejected due
	// to the pause toggle.
	TypeStakingPaused = "staking.paused"
)

// StakingStaked captures a stake of pegged tokens.
type StakingStaked struct {
	Account     [20]byte
	Amount      *big.Int
	TotalStaked *big.Int
}

// EventType satisfies the Event interface.
func (StakingStaked) EventType() string { return TypeStakingStaked }

// Event converts the structured payload into a broadcastable event.
func (e StakingStaked) Event() *types.Event {
	return &types.Event{Type: TypeStakingStaked, Attributes: map[string]string{
		"addr":        formatAddr(crypto.ZHYPEPrefix, e.Account),
		"amount":      formatAmount(e.Amount),
		"totalStaked": formatAmount(e.TotalStaked),
	}}
}

// StakingUnstakeRequested captures a queued unstake request.
type StakingUnstakeRequested struct {
	Account   [20]byte
	EntryID   uint64
	Amount    *big.Int
	MaturesAt uint64
}

// EventType satisfies the Event interface.
func (StakingUnstakeRequested) EventType() string { return TypeStakingUnstakeRequested }

// Event converts the structured payload into a broadcastable event.
func (e StakingUnstakeRequested) Event() *types.Event {
	return &types.Event{Type: TypeStakingUnstakeRequested, Attributes: map[string]string{
		"addr":      formatAddr(crypto.ZHYPEPrefix, e.Account),
		"entryId":   formatUint(e.EntryID),
		"amount":    formatAmount(e.Amount),
		"maturesAt": formatUint(e.MaturesAt),
	}}
}

// StakingUnstakeClaimed captures the release of a matured unstake.
type StakingUnstakeClaimed struct {
	Account [20]byte
	EntryID uint64
	Amount  *big.Int
}

// EventType satisfies the Event interface.
func (StakingUnstakeClaimed) EventType() string { return TypeStakingUnstakeClaimed }

// Event converts the structured payload into a broadcastable event.
func (e StakingUnstakeClaimed) Event() *types.Event {
	return &types.Event{Type: TypeStakingUnstakeClaimed, Attributes: map[string]string{
		"addr":    formatAddr(crypto.ZHYPEPrefix, e.Account),
		"entryId": formatUint(e.EntryID),
		"amount":  formatAmount(e.Amount),
	}}
}

// StakingRewardsClaimed captures a USDH reward payout.
type StakingRewardsClaimed struct {
	Account [20]byte
	Amount  *big.Int
}

// EventType satisfies the Event interface.
func (StakingRewardsClaimed) EventType() string { return TypeStakingRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e StakingRewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeStakingRewardsClaimed, Attributes: map[string]string{
		"addr":   formatAddr(crypto.ZHYPEPrefix, e.Account),
		"amount": formatAmount(e.Amount),
	}}
}

// StakingAutoInvestToggled captures a change to the compounding flag.
type StakingAutoInvestToggled struct {
	Account [20]byte
	Enabled bool
}

// EventType satisfies the Event interface.
func (StakingAutoInvestToggled) EventType() string { return TypeStakingAutoInvestToggled }

// Event converts the structured payload into a broadcastable event.
func (e StakingAutoInvestToggled) Event() *types.Event {
	return &types.Event{Type: TypeStakingAutoInvestToggled, Attributes: map[string]string{
		"addr":    formatAddr(crypto.ZHYPEPrefix, e.Account),
		"enabled": strconv.FormatBool(e.Enabled),
	}}
}

// StakingAutoInvested captures rewards compounded into principal.
type StakingAutoInvested struct {
	Account      [20]byte
	Amount       *big.Int
	NewPrincipal *big.Int
}

// EventType satisfies the Event interface.
func (StakingAutoInvested) EventType() string { return TypeStakingAutoInvested }

// Event converts the structured payload into a broadcastable event.
func (e StakingAutoInvested) Event() *types.Event {
	return &types.Event{Type: TypeStakingAutoInvested, Attributes: map[string]string{
		"addr":         formatAddr(crypto.ZHYPEPrefix, e.Account),
		"amount":       formatAmount(e.Amount),
		"newPrincipal": formatAmount(e.NewPrincipal),
	}}
}

// StakingPaused captures a rejected mutation while staking is paused.
type StakingPaused struct {
	Account   [20]byte
	Operation string
}

// EventType satisfies the Event interface.
func (StakingPaused) EventType() string { return TypeStakingPaused }

// Event converts the structured payload into a broadcastable event.
func (e StakingPaused) Event() *types.Event {
	return &types.Event{Type: TypeStakingPaused, Attributes: map[string]string{
		"addr":      formatAddr(crypto.ZHYPEPrefix, e.Account),
		"operation": e.Operation,
	}}
}
