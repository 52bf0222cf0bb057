package ledger

import "errors"

// The expected, caller-recoverable failure conditions shared by the treasury
// and staking engines. Every write endpoint returns one of these (possibly
// wrapped) or succeeds; there are no silent no-ops.
var (
	ErrZeroAmount          = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrNotMatured          = errors.New("ledger: entry not matured")
	ErrAlreadyClaimed      = errors.New("ledger: entry already claimed")
	ErrUnknownEntry        = errors.New("ledger: unknown queue entry")
	ErrUnauthorized        = errors.New("ledger: unauthorized")
	ErrCustodyTransfer     = errors.New("ledger: custody transfer failed")
	ErrPaused              = errors.New("ledger: staking paused")
)

// ErrInvariantViolation is fatal: the operation that detected it must not
// commit, and the ledger halts further mutation rather than continue on
// corrupted state.
var ErrInvariantViolation = errors.New("ledger: invariant violation")

// ErrHalted is returned for every mutation attempted after an invariant
// violation latched the halt flag.
var ErrHalted = errors.New("ledger: halted after invariant violation")
