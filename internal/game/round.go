package game

import (
	"time"
)

// Phase is the lifecycle stage of a round. Transitions run strictly
// forward; a round never re-enters an earlier phase.
type Phase string

const (
	PhasePending Phase = "PENDING"
	PhaseBetting Phase = "BETTING"
	PhaseRunning Phase = "RUNNING"
	PhaseCrashed Phase = "CRASHED"
	PhaseSettled Phase = "SETTLED"
)

var phaseOrder = map[Phase]int{
	PhasePending: 0,
	PhaseBetting: 1,
	PhaseRunning: 2,
	PhaseCrashed: 3,
	PhaseSettled: 4,
}

// CanAdvanceTo reports whether next is a legal forward transition from p.
// Writing the same phase again is allowed so that persistence retries
// stay idempotent.
func (p Phase) CanAdvanceTo(next Phase) bool {
	cur, ok1 := phaseOrder[p]
	nxt, ok2 := phaseOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt == cur || nxt == cur+1
}

// Round is a single committed crash round. ServerSeed and CrashPoint are
// fixed at creation and stay hidden from clients until the crash.
type Round struct {
	ID             string  `json:"round_id"`
	Nonce          uint64  `json:"nonce"`
	ServerSeed     string  `json:"-"`
	ServerSeedHash string  `json:"server_seed_hash"`
	ClientSeed     string  `json:"client_seed"`
	CrashPoint     float64 `json:"-"`
	Phase          Phase   `json:"phase"`

	// HouseEdge and MaxMultiplier are the fairness parameters the crash
	// point was derived with. Verification replays against these, not
	// against whatever the service is configured with today.
	HouseEdge     float64 `json:"house_edge"`
	MaxMultiplier float64 `json:"max_multiplier"`

	BettingOpensAt  time.Time `json:"betting_opens_at"`
	BettingClosesAt time.Time `json:"betting_closes_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CrashedAt       time.Time `json:"crashed_at,omitempty"`
}

// Reveal returns the server seed once the round has crashed. Calling it
// earlier is refused: an early reveal would let a player derive the crash
// point while bets are still open.
func (r *Round) Reveal() (string, error) {
	if r.Phase != PhaseCrashed && r.Phase != PhaseSettled {
		return "", ErrNotYetCrashed
	}
	return r.ServerSeed, nil
}

// Crashed reports whether the round has reached its crash point.
func (r *Round) Crashed() bool {
	return r.Phase == PhaseCrashed || r.Phase == PhaseSettled
}

// Snapshot is the client-safe projection of a round: hidden fields are
// only populated once the round has crashed.
type Snapshot struct {
	RoundID           string    `json:"round_id"`
	Phase             Phase     `json:"phase"`
	Nonce             uint64    `json:"nonce"`
	ServerSeedHash    string    `json:"server_seed_hash"`
	ClientSeed        string    `json:"client_seed,omitempty"`
	CurrentMultiplier float64   `json:"current_multiplier"`
	CrashPoint        float64   `json:"crash_point,omitempty"`
	ServerSeed        string    `json:"server_seed,omitempty"`
	BettingClosesAt   time.Time `json:"betting_closes_at"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	CrashedAt         time.Time `json:"crashed_at,omitempty"`
}

// SnapshotAt builds the public view of the round at the given multiplier.
func (r *Round) SnapshotAt(multiplier float64) Snapshot {
	s := Snapshot{
		RoundID:           r.ID,
		Phase:             r.Phase,
		Nonce:             r.Nonce,
		ServerSeedHash:    r.ServerSeedHash,
		CurrentMultiplier: multiplier,
		BettingClosesAt:   r.BettingClosesAt,
		StartedAt:         r.StartedAt,
		CrashedAt:         r.CrashedAt,
	}
	if r.Phase != PhasePending && r.Phase != PhaseBetting {
		s.ClientSeed = r.ClientSeed
	}
	if r.Crashed() {
		s.CrashPoint = r.CrashPoint
		s.ServerSeed = r.ServerSeed
		s.CurrentMultiplier = r.CrashPoint
	}
	return s
}

// BetStatus is the resolution state of a bet. A bet mutates exactly once
// after placement: to CashedOut, Lost or Voided.
type BetStatus string

const (
	BetPlaced    BetStatus = "PLACED"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
	BetVoided    BetStatus = "VOIDED"
)

// Bet is a single player stake on a round. Amounts are integer minor
// units; floats never touch the ledger.
type Bet struct {
	ID       string    `json:"bet_id"`
	RoundID  string    `json:"round_id"`
	PlayerID string    `json:"player_id"`
	Amount   int64     `json:"amount"`
	Status   BetStatus `json:"status"`
	PlacedAt time.Time `json:"placed_at"`

	// AutoCashout, when > 0, asks the engine to cash out as soon as the
	// live multiplier reaches this target.
	AutoCashout float64 `json:"auto_cashout,omitempty"`

	CashoutMultiplier float64 `json:"cashout_multiplier,omitempty"`
	PayoutAmount      int64   `json:"payout_amount,omitempty"`
}

// Balance is a player's ledger row. Version is the optimistic-concurrency
// counter; every successful write bumps it by one.
type Balance struct {
	PlayerID  string `json:"player_id"`
	Available int64  `json:"available_balance"`
	Locked    int64  `json:"locked_balance"`
	Version   int64  `json:"version"`
}
