package broadcast

import "time"

// EventType enumerates the canonical event schema. The core emits exactly
// these; any naming compatibility a client needs belongs in its transport
// adapter, not here.
type EventType string

const (
	EventRoundCommitted   EventType = "round_committed"
	EventBetAccepted      EventType = "bet_accepted"
	EventRoundStarted     EventType = "round_started"
	EventMultiplierTick   EventType = "multiplier_tick"
	EventCashoutConfirmed EventType = "cashout_confirmed"
	EventRoundCrashed     EventType = "round_crashed"
	EventRoundSettled     EventType = "round_settled"
)

// Event is the envelope every outbound message uses.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

type RoundCommitted struct {
	RoundID         string    `json:"round_id"`
	ServerSeedHash  string    `json:"server_seed_hash"`
	BettingClosesAt time.Time `json:"betting_closes_at"`
}

type BetAccepted struct {
	BetID    string `json:"bet_id"`
	PlayerID string `json:"player_id"`
	Amount   int64  `json:"amount"`
}

type RoundStarted struct {
	RoundID    string    `json:"round_id"`
	StartedAt  time.Time `json:"started_at"`
	ClientSeed string    `json:"client_seed"`
}

type MultiplierTick struct {
	RoundID    string  `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
}

type CashoutConfirmed struct {
	BetID        string  `json:"bet_id"`
	PlayerID     string  `json:"player_id"`
	Multiplier   float64 `json:"multiplier"`
	PayoutAmount int64   `json:"payout_amount"`
}

type RoundCrashed struct {
	RoundID    string  `json:"round_id"`
	CrashPoint float64 `json:"crash_point"`
	ServerSeed string  `json:"server_seed"`
}

type RoundSettled struct {
	RoundID      string `json:"round_id"`
	TotalBets    int    `json:"total_bets"`
	CashedOut    int    `json:"cashed_out"`
	Lost         int    `json:"lost"`
	TotalWagered int64  `json:"total_wagered"`
	TotalPaidOut int64  `json:"total_paid_out"`
}

// Broadcaster is the outbound notification contract. Implementations must
// not block the caller; the engine's timers never wait on a slow client.
type Broadcaster interface {
	Publish(Event)
}

// Fanout publishes to several broadcasters, e.g. the websocket hub and a
// NATS subject at once.
type Fanout []Broadcaster

func (f Fanout) Publish(e Event) {
	for _, b := range f {
		b.Publish(e)
	}
}

// Discard drops every event; useful in tests and tools.
type Discard struct{}

func (Discard) Publish(Event) {}
