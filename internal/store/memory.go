package store

import (
	"context"
	"sort"
	"sync"

	"crashengine/internal/game"
)

// Memory is an in-process game.Store used by unit tests and local runs.
// A single mutex serializes Atomic blocks; rollback restores a snapshot
// of the maps taken before the block ran.
type Memory struct {
	mu sync.Mutex

	rounds      map[string]game.Round
	roundOrder  []string
	bets        map[string]game.Bet
	balances    map[string]game.Balance
	idempotency map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		rounds:      make(map[string]game.Round),
		bets:        make(map[string]game.Bet),
		balances:    make(map[string]game.Balance),
		idempotency: make(map[string][]byte),
	}
}

func (m *Memory) Atomic(ctx context.Context, fn func(game.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.snapshot()
	if err := fn(unlocked{m}); err != nil {
		m.restore(backup)
		return err
	}
	return nil
}

type memState struct {
	rounds      map[string]game.Round
	roundOrder  []string
	bets        map[string]game.Bet
	balances    map[string]game.Balance
	idempotency map[string][]byte
}

func (m *Memory) snapshot() memState {
	s := memState{
		rounds:      make(map[string]game.Round, len(m.rounds)),
		roundOrder:  append([]string(nil), m.roundOrder...),
		bets:        make(map[string]game.Bet, len(m.bets)),
		balances:    make(map[string]game.Balance, len(m.balances)),
		idempotency: make(map[string][]byte, len(m.idempotency)),
	}
	for k, v := range m.rounds {
		s.rounds[k] = v
	}
	for k, v := range m.bets {
		s.bets[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memState) {
	m.rounds = s.rounds
	m.roundOrder = s.roundOrder
	m.bets = s.bets
	m.balances = s.balances
	m.idempotency = s.idempotency
}

// unlocked exposes the store operations without re-acquiring the mutex,
// for use inside an Atomic block.
type unlocked struct{ m *Memory }

func (u unlocked) Atomic(ctx context.Context, fn func(game.Store) error) error {
	return fn(u)
}

func (u unlocked) InsertRound(ctx context.Context, r *game.Round) error {
	return u.m.insertRound(r)
}
func (u unlocked) UpdateRoundState(ctx context.Context, r *game.Round) error {
	return u.m.updateRoundState(r)
}
func (u unlocked) GetRound(ctx context.Context, id string) (*game.Round, error) {
	return u.m.getRound(id)
}
func (u unlocked) LatestRound(ctx context.Context) (*game.Round, error) { return u.m.latestRound() }
func (u unlocked) RecentRounds(ctx context.Context, limit int) ([]*game.Round, error) {
	return u.m.recentRounds(limit)
}
func (u unlocked) MaxNonce(ctx context.Context) (uint64, error) { return u.m.maxNonce() }
func (u unlocked) InsertBet(ctx context.Context, b *game.Bet) error {
	return u.m.insertBet(b)
}
func (u unlocked) UpdateBet(ctx context.Context, b *game.Bet) error { return u.m.updateBet(b) }
func (u unlocked) GetBet(ctx context.Context, id string) (*game.Bet, error) {
	return u.m.getBet(id)
}
func (u unlocked) BetForPlayerRound(ctx context.Context, playerID, roundID string) (*game.Bet, error) {
	return u.m.betForPlayerRound(playerID, roundID)
}
func (u unlocked) PlacedBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return u.m.betsForRound(roundID, true)
}
func (u unlocked) BetsForRound(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return u.m.betsForRound(roundID, false)
}
func (u unlocked) GetBalance(ctx context.Context, playerID string) (*game.Balance, error) {
	return u.m.getBalance(playerID)
}
func (u unlocked) SaveBalance(ctx context.Context, b *game.Balance, expectedVersion int64) error {
	return u.m.saveBalance(b, expectedVersion)
}
func (u unlocked) GetIdempotency(ctx context.Context, key string) ([]byte, bool, error) {
	return u.m.getIdempotency(key)
}
func (u unlocked) PutIdempotency(ctx context.Context, key string, result []byte) error {
	return u.m.putIdempotency(key, result)
}

// Locked entry points for use outside Atomic.

func (m *Memory) InsertRound(ctx context.Context, r *game.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRound(r)
}

func (m *Memory) UpdateRoundState(ctx context.Context, r *game.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRoundState(r)
}

func (m *Memory) GetRound(ctx context.Context, id string) (*game.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRound(id)
}

func (m *Memory) LatestRound(ctx context.Context) (*game.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestRound()
}

func (m *Memory) RecentRounds(ctx context.Context, limit int) ([]*game.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentRounds(limit)
}

func (m *Memory) MaxNonce(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxNonce()
}

func (m *Memory) InsertBet(ctx context.Context, b *game.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertBet(b)
}

func (m *Memory) UpdateBet(ctx context.Context, b *game.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBet(b)
}

func (m *Memory) GetBet(ctx context.Context, id string) (*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBet(id)
}

func (m *Memory) BetForPlayerRound(ctx context.Context, playerID, roundID string) (*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.betForPlayerRound(playerID, roundID)
}

func (m *Memory) PlacedBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.betsForRound(roundID, true)
}

func (m *Memory) BetsForRound(ctx context.Context, roundID string) ([]*game.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.betsForRound(roundID, false)
}

func (m *Memory) GetBalance(ctx context.Context, playerID string) (*game.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBalance(playerID)
}

func (m *Memory) SaveBalance(ctx context.Context, b *game.Balance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBalance(b, expectedVersion)
}

func (m *Memory) GetIdempotency(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getIdempotency(key)
}

func (m *Memory) PutIdempotency(ctx context.Context, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putIdempotency(key, result)
}

// Unlocked internals. Values are stored by copy so callers can't alias
// internal state.

func (m *Memory) insertRound(r *game.Round) error {
	if _, ok := m.rounds[r.ID]; ok {
		// Re-inserting the same round is a retried write, not an error.
		m.rounds[r.ID] = *r
		return nil
	}
	m.rounds[r.ID] = *r
	m.roundOrder = append(m.roundOrder, r.ID)
	return nil
}

func (m *Memory) updateRoundState(r *game.Round) error {
	stored, ok := m.rounds[r.ID]
	if !ok {
		return game.ErrNotFound
	}
	if !stored.Phase.CanAdvanceTo(r.Phase) {
		return game.ErrRoundImmutable
	}
	m.rounds[r.ID] = *r
	return nil
}

func (m *Memory) getRound(id string) (*game.Round, error) {
	r, ok := m.rounds[id]
	if !ok {
		return nil, game.ErrNotFound
	}
	return &r, nil
}

func (m *Memory) latestRound() (*game.Round, error) {
	if len(m.roundOrder) == 0 {
		return nil, game.ErrNotFound
	}
	r := m.rounds[m.roundOrder[len(m.roundOrder)-1]]
	return &r, nil
}

func (m *Memory) recentRounds(limit int) ([]*game.Round, error) {
	var out []*game.Round
	for i := len(m.roundOrder) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.rounds[m.roundOrder[i]]
		out = append(out, &r)
	}
	return out, nil
}

func (m *Memory) maxNonce() (uint64, error) {
	var max uint64
	for _, r := range m.rounds {
		if r.Nonce > max {
			max = r.Nonce
		}
	}
	return max, nil
}

func (m *Memory) insertBet(b *game.Bet) error {
	m.bets[b.ID] = *b
	return nil
}

func (m *Memory) updateBet(b *game.Bet) error {
	if _, ok := m.bets[b.ID]; !ok {
		return game.ErrNotFound
	}
	m.bets[b.ID] = *b
	return nil
}

func (m *Memory) getBet(id string) (*game.Bet, error) {
	b, ok := m.bets[id]
	if !ok {
		return nil, game.ErrNotFound
	}
	return &b, nil
}

func (m *Memory) betForPlayerRound(playerID, roundID string) (*game.Bet, error) {
	for _, b := range m.bets {
		if b.PlayerID == playerID && b.RoundID == roundID {
			bet := b
			return &bet, nil
		}
	}
	return nil, game.ErrNotFound
}

func (m *Memory) betsForRound(roundID string, placedOnly bool) ([]*game.Bet, error) {
	var out []*game.Bet
	for _, b := range m.bets {
		if b.RoundID != roundID {
			continue
		}
		if placedOnly && b.Status != game.BetPlaced {
			continue
		}
		bet := b
		out = append(out, &bet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

func (m *Memory) getBalance(playerID string) (*game.Balance, error) {
	b, ok := m.balances[playerID]
	if !ok {
		b = game.Balance{PlayerID: playerID}
	}
	return &b, nil
}

func (m *Memory) saveBalance(b *game.Balance, expectedVersion int64) error {
	stored, ok := m.balances[b.PlayerID]
	if ok && stored.Version != expectedVersion {
		return game.ErrVersionConflict
	}
	if !ok && expectedVersion != 0 {
		return game.ErrVersionConflict
	}
	if b.Available < 0 || b.Locked < 0 {
		return game.ErrInsufficientBalance
	}
	saved := *b
	saved.Version = expectedVersion + 1
	m.balances[b.PlayerID] = saved
	b.Version = saved.Version
	return nil
}

func (m *Memory) getIdempotency(key string) ([]byte, bool, error) {
	raw, ok := m.idempotency[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (m *Memory) putIdempotency(key string, result []byte) error {
	m.idempotency[key] = append([]byte(nil), result...)
	return nil
}

var _ game.Store = (*Memory)(nil)
var _ game.Store = unlocked{}
