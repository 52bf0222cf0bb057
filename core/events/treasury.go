package events

import (
	"math/big"

	"zhype/core/types"
	"zhype/crypto"
)

const (
	// TypeTreasuryDeposited captures a native deposit and the matching
	// pegged-token mint.
	TypeTreasuryDeposited = "treasury.deposited"
	// TypeTreasuryWithdrawRequested is emitted when principal enters the
	// withdrawal queue.
	TypeTreasuryWithdrawRequested = "treasury.withdrawRequested"
	// TypeTreasuryWithdrawClaimed is emitted when a matured withdrawal
	// releases native custody.
	TypeTreasuryWithdrawClaimed = "treasury.withdrawClaimed"
	// TypeTreasuryRewardsClaimed is emitted when accrued treasury rewards
	// are paid out.
	TypeTreasuryRewardsClaimed = "treasury.rewardsClaimed"
	// TypeTreasuryEmergencyWithdraw flags the privileged escape hatch. It
	// deliberately breaks the peg and indexers must surface it loudly.
	TypeTreasuryEmergencyWithdraw = "treasury.emergencyWithdraw"
)

// TreasuryDeposited captures the mint realised by a native deposit.
type TreasuryDeposited struct {
	Account     [20]byte
	Amount      *big.Int
	Minted      *big.Int
	TotalMinted *big.Int
}

// EventType satisfies the Event interface.
func (TreasuryDeposited) EventType() string { return TypeTreasuryDeposited }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryDeposited) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryDeposited, Attributes: map[string]string{
		"addr":        formatAddr(crypto.HYPEPrefix, e.Account),
		"amount":      formatAmount(e.Amount),
		"minted":      formatAmount(e.Minted),
		"totalMinted": formatAmount(e.TotalMinted),
	}}
}

// TreasuryWithdrawRequested captures a queued withdrawal request.
type TreasuryWithdrawRequested struct {
	Account   [20]byte
	EntryID   uint64
	Amount    *big.Int
	MaturesAt uint64
}

// EventType satisfies the Event interface.
func (TreasuryWithdrawRequested) EventType() string { return TypeTreasuryWithdrawRequested }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryWithdrawRequested) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryWithdrawRequested, Attributes: map[string]string{
		"addr":      formatAddr(crypto.HYPEPrefix, e.Account),
		"entryId":   formatUint(e.EntryID),
		"amount":    formatAmount(e.Amount),
		"maturesAt": formatUint(e.MaturesAt),
	}}
}

// TreasuryWithdrawClaimed captures the release of a matured withdrawal.
type TreasuryWithdrawClaimed struct {
	Account [20]byte
	EntryID uint64
	Amount  *big.Int
}

// EventType satisfies the Event interface.
func (TreasuryWithdrawClaimed) EventType() string { return TypeTreasuryWithdrawClaimed }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryWithdrawClaimed) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryWithdrawClaimed, Attributes: map[string]string{
		"addr":    formatAddr(crypto.HYPEPrefix, e.Account),
		"entryId": formatUint(e.EntryID),
		"amount":  formatAmount(e.Amount),
	}}
}

// TreasuryRewardsClaimed captures a payout of accrued treasury rewards.
type TreasuryRewardsClaimed struct {
	Account [20]byte
	Amount  *big.Int
}

// EventType satisfies the Event interface.
func (TreasuryRewardsClaimed) EventType() string { return TypeTreasuryRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryRewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryRewardsClaimed, Attributes: map[string]string{
		"addr":   formatAddr(crypto.HYPEPrefix, e.Account),
		"amount": formatAmount(e.Amount),
	}}
}

// TreasuryEmergencyWithdraw captures the owner escape hatch draining custody.
type TreasuryEmergencyWithdraw struct {
	Owner  [20]byte
	Amount *big.Int
}

// EventType satisfies the Event interface.
func (TreasuryEmergencyWithdraw) EventType() string { return TypeTreasuryEmergencyWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e TreasuryEmergencyWithdraw) Event() *types.Event {
	return &types.Event{Type: TypeTreasuryEmergencyWithdraw, Attributes: map[string]string{
		"owner":  formatAddr(crypto.HYPEPrefix, e.Owner),
		"amount": formatAmount(e.Amount),
	}}
}
