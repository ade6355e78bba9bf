package game

import "errors"

// Player-facing rejections. Timing and resource errors are expected
// outcomes of latency and concurrency, not system faults.
var (
	ErrBettingClosed       = errors.New("betting is closed")
	ErrRoundNotRunning     = errors.New("round is not running")
	ErrTooLate             = errors.New("round already crashed")
	ErrBetNotActive        = errors.New("bet is not active")
	ErrDuplicateBet        = errors.New("player already has a bet in this round")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid bet amount")
	ErrStakeOutOfRange     = errors.New("stake outside allowed limits")
)

// Integrity and infrastructure errors.
var (
	ErrNotYetCrashed   = errors.New("server seed not revealable before crash")
	ErrRoundImmutable  = errors.New("settled round is immutable")
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("balance version conflict")
	ErrEngineHalted    = errors.New("engine halted")
)
