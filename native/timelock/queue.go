package timelock

import (
	"fmt"
	"math/big"

	"zhype/native/ledger"
)

// DefaultUnstakingDelay is the maturation period applied to withdrawal and
// unstake requests.
const DefaultUnstakingDelay uint64 = 7 * 24 * 60 * 60 // 7 days

// EntryStatus is the derived lifecycle state of a queue entry. Pending and
// Ready are a pure function of the clock; only Claimed is persisted.
type EntryStatus uint8

const (
	StatusPending EntryStatus = iota
	StatusReady
	StatusClaimed
)

func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Entry is one pending request in a time-lock queue. The escrowed amount was
// already debited from the owner's spendable principal when the entry was
// created.
type Entry struct {
	ID          uint64   `json:"id"`
	Owner       [20]byte `json:"owner"`
	Amount      *big.Int `json:"amount"`
	RequestedAt uint64   `json:"requestedAt"`
	MaturesAt   uint64   `json:"maturesAt"`
	Claimed     bool     `json:"claimed,omitempty"`
}

// Status derives the lifecycle state at the given time. An entry is Ready at
// exactly MaturesAt, never before.
func (e *Entry) Status(now uint64) EntryStatus {
	switch {
	case e == nil:
		return StatusPending
	case e.Claimed:
		return StatusClaimed
	case now >= e.MaturesAt:
		return StatusReady
	default:
		return StatusPending
	}
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// State is the narrow persistence surface a queue needs. Entries are stored
// in a flat log keyed by id with an auxiliary per-owner index, giving O(1)
// id lookup and O(k) owner enumeration.
type State interface {
	QueueEntryPut(queue string, entry *Entry) error
	QueueEntryGet(queue string, id uint64) (*Entry, bool, error)
	QueueNextID(queue string) (uint64, error)
	QueueOwnerIndex(queue string, owner [20]byte) ([]uint64, error)
	QueueOwnerIndexAppend(queue string, owner [20]byte, id uint64) error
	QueueEscrowTotal(queue string) (*big.Int, error)
	QueueSetEscrowTotal(queue string, total *big.Int) error
}

// Queue is an ordered collection of time-locked requests backed by external
// state. The treasury and staking ledgers instantiate it independently under
// distinct names.
type Queue struct {
	name  string
	delay uint64
	state State
}

// NewQueue constructs a queue over the given state. A zero delay falls back
// to the default seven days.
func NewQueue(name string, delay uint64, state State) *Queue {
	if delay == 0 {
		delay = DefaultUnstakingDelay
	}
	return &Queue{name: name, delay: delay, state: state}
}

// Name returns the queue identifier used for persistence and events.
func (q *Queue) Name() string { return q.name }

// Delay returns the maturation period in seconds.
func (q *Queue) Delay() uint64 { return q.delay }

// Push appends a request maturing delay seconds from now and records its
// amount against the queue escrow. Ids are monotonic per queue.
func (q *Queue) Push(owner [20]byte, amount *big.Int, now uint64) (*Entry, error) {
	if q == nil || q.state == nil {
		return nil, fmt.Errorf("timelock: queue state not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrZeroAmount
	}
	id, err := q.state.QueueNextID(q.name)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		ID:          id,
		Owner:       owner,
		Amount:      new(big.Int).Set(amount),
		RequestedAt: now,
		MaturesAt:   now + q.delay,
	}
	if err := q.state.QueueEntryPut(q.name, entry); err != nil {
		return nil, err
	}
	if err := q.state.QueueOwnerIndexAppend(q.name, owner, id); err != nil {
		return nil, err
	}
	total, err := q.state.QueueEscrowTotal(q.name)
	if err != nil {
		return nil, err
	}
	total = new(big.Int).Add(total, amount)
	if err := q.state.QueueSetEscrowTotal(q.name, total); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(id uint64) (*Entry, error) {
	if q == nil || q.state == nil {
		return nil, fmt.Errorf("timelock: queue state not configured")
	}
	entry, ok, err := q.state.QueueEntryGet(q.name, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledger.ErrUnknownEntry
	}
	return entry.Clone(), nil
}

// Claim transitions a matured entry to Claimed exactly once and releases its
// amount from the queue escrow. A claim at exactly MaturesAt succeeds.
func (q *Queue) Claim(id uint64, now uint64) (*Entry, error) {
	if q == nil || q.state == nil {
		return nil, fmt.Errorf("timelock: queue state not configured")
	}
	entry, ok, err := q.state.QueueEntryGet(q.name, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledger.ErrUnknownEntry
	}
	if entry.Claimed {
		return nil, ledger.ErrAlreadyClaimed
	}
	if now < entry.MaturesAt {
		return nil, ledger.ErrNotMatured
	}
	entry.Claimed = true
	if err := q.state.QueueEntryPut(q.name, entry); err != nil {
		return nil, err
	}
	total, err := q.state.QueueEscrowTotal(q.name)
	if err != nil {
		return nil, err
	}
	total = new(big.Int).Sub(total, entry.Amount)
	if total.Sign() < 0 {
		return nil, fmt.Errorf("%w: queue %s escrow below zero", ledger.ErrInvariantViolation, q.name)
	}
	if err := q.state.QueueSetEscrowTotal(q.name, total); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// RequestsFor returns all entries owned by the account in request order.
func (q *Queue) RequestsFor(owner [20]byte) ([]*Entry, error) {
	if q == nil || q.state == nil {
		return nil, fmt.Errorf("timelock: queue state not configured")
	}
	ids, err := q.state.QueueOwnerIndex(q.name, owner)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok, err := q.state.QueueEntryGet(q.name, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: queue %s indexed id %d missing", ledger.ErrInvariantViolation, q.name, id)
		}
		entries = append(entries, entry.Clone())
	}
	return entries, nil
}

// EscrowTotal returns the amount currently locked in the queue.
func (q *Queue) EscrowTotal() (*big.Int, error) {
	if q == nil || q.state == nil {
		return nil, fmt.Errorf("timelock: queue state not configured")
	}
	return q.state.QueueEscrowTotal(q.name)
}
