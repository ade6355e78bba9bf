package game

import (
	"context"
)

// Store is the durable ledger store the engine and bet ledger run against.
// Implementations must make Atomic all-or-nothing and safe to retry;
// everything else is plain reads and idempotent writes.
type Store interface {
	// Atomic runs fn against a transactional view of the store. If fn
	// returns an error every write inside it is rolled back.
	Atomic(ctx context.Context, fn func(Store) error) error

	// Rounds.
	InsertRound(ctx context.Context, r *Round) error
	// UpdateRoundState persists a round's phase and timestamps. Writing
	// the same phase again must be a no-op so persistence retries stay
	// idempotent; a backward phase transition is rejected with
	// ErrRoundImmutable.
	UpdateRoundState(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, roundID string) (*Round, error)
	// LatestRound returns the most recently created round, ErrNotFound
	// when the store is empty.
	LatestRound(ctx context.Context) (*Round, error)
	RecentRounds(ctx context.Context, limit int) ([]*Round, error)
	// MaxNonce returns the highest nonce ever assigned, 0 when empty.
	MaxNonce(ctx context.Context) (uint64, error)

	// Bets.
	InsertBet(ctx context.Context, b *Bet) error
	UpdateBet(ctx context.Context, b *Bet) error
	GetBet(ctx context.Context, betID string) (*Bet, error)
	BetForPlayerRound(ctx context.Context, playerID, roundID string) (*Bet, error)
	PlacedBets(ctx context.Context, roundID string) ([]*Bet, error)
	BetsForRound(ctx context.Context, roundID string) ([]*Bet, error)

	// Balances. GetBalance materialises a zero row for unknown players;
	// SaveBalance applies an optimistic write that fails with
	// ErrVersionConflict unless the stored version equals expectedVersion.
	GetBalance(ctx context.Context, playerID string) (*Balance, error)
	SaveBalance(ctx context.Context, b *Balance, expectedVersion int64) error

	// Idempotency records. PutIdempotency stores the serialized result of
	// a completed mutating operation under its key.
	GetIdempotency(ctx context.Context, key string) ([]byte, bool, error)
	PutIdempotency(ctx context.Context, key string, result []byte) error
}
