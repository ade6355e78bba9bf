package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/gateway"
)

// Ledger owns every bet and balance mutation. Each operation executes as
// a single atomic unit against the store and carries an idempotency key:
// replaying a key after a crash mid-operation returns the recorded result
// instead of re-executing the effect.
type Ledger struct {
	store   Store
	clock   Clock
	policy  Policy
	gateway gateway.Gateway
}

func NewLedger(store Store, clock Clock, policy Policy, gw gateway.Gateway) *Ledger {
	if policy == nil {
		policy = StakeLimits{Min: 1, Max: 1 << 62}
	}
	return &Ledger{store: store, clock: clock, policy: policy, gateway: gw}
}

// depositRetries bounds how often Deposit retries a balance CAS that
// lost to a concurrent writer.
const depositRetries = 3

// NewIdempotencyKey mints a server-side key for callers that did not
// supply one.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// PlaceBet debits the player and records a Placed bet, all-or-nothing.
// Preconditions checked inside the same transaction: round is in Betting,
// no existing bet for (player, round), available balance covers amount.
func (l *Ledger) PlaceBet(ctx context.Context, key, playerID, roundID string, amount int64, autoCashout float64) (*Bet, error) {
	if err := l.policy.CheckPlaceBet(playerID, amount); err != nil {
		return nil, err
	}

	if bet, ok, err := l.replayBet(ctx, key); err != nil || ok {
		return bet, err
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		PlayerID:    playerID,
		Amount:      amount,
		Status:      BetPlaced,
		PlacedAt:    time.Now().UTC(),
		AutoCashout: autoCashout,
	}

	err := l.store.Atomic(ctx, func(tx Store) error {
		round, err := tx.GetRound(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Phase != PhaseBetting {
			return ErrBettingClosed
		}
		if _, err := tx.BetForPlayerRound(ctx, playerID, roundID); err == nil {
			return ErrDuplicateBet
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		bal, err := tx.GetBalance(ctx, playerID)
		if err != nil {
			return err
		}
		if bal.Available < amount {
			return ErrInsufficientBalance
		}
		bal.Available -= amount
		bal.Locked += amount
		if err := tx.SaveBalance(ctx, bal, bal.Version); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}
		return l.recordResult(ctx, tx, key, bet)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bet_id": bet.ID, "player_id": playerID, "round_id": roundID, "amount": amount,
	}).Info("bet placed")
	return bet, nil
}

// CashOut converts a Placed bet into a win at the multiplier the clock
// held at the server receive time. The phase check inside the transaction
// is the single source of truth for the cash-out/crash race: whichever
// side mutates first wins, the loser gets a clean rejection.
func (l *Ledger) CashOut(ctx context.Context, key, playerID, betID string, at time.Time) (*Bet, error) {
	if err := l.policy.CheckCashOut(playerID); err != nil {
		return nil, err
	}

	if bet, ok, err := l.replayBet(ctx, key); err != nil || ok {
		return bet, err
	}

	var bet *Bet
	err := l.store.Atomic(ctx, func(tx Store) error {
		var err error
		bet, err = tx.GetBet(ctx, betID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrBetNotActive
			}
			return err
		}
		if bet.PlayerID != playerID {
			return ErrBetNotActive
		}
		if bet.Status != BetPlaced {
			return ErrBetNotActive
		}

		round, err := tx.GetRound(ctx, bet.RoundID)
		if err != nil {
			return err
		}
		if round.Crashed() {
			return ErrTooLate
		}
		if round.Phase != PhaseRunning {
			return ErrRoundNotRunning
		}

		mult := l.clock.MultiplierAt(round.StartedAt, at)
		// Equality with the crash point does not win: the curve has
		// already reached the crash by then.
		if mult >= round.CrashPoint {
			return ErrTooLate
		}

		payout := PayoutAmount(bet.Amount, mult)
		bet.Status = BetCashedOut
		bet.CashoutMultiplier = mult
		bet.PayoutAmount = payout
		if err := tx.UpdateBet(ctx, bet); err != nil {
			return err
		}

		bal, err := tx.GetBalance(ctx, playerID)
		if err != nil {
			return err
		}
		bal.Locked -= bet.Amount
		bal.Available += payout
		if err := tx.SaveBalance(ctx, bal, bal.Version); err != nil {
			return err
		}
		return l.recordResult(ctx, tx, key, bet)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bet_id": bet.ID, "player_id": playerID, "multiplier": bet.CashoutMultiplier,
		"payout": bet.PayoutAmount,
	}).Info("cashout confirmed")

	// On-chain settlement is an asynchronous consequence; the internal
	// balance above is the source of truth and a gateway failure must
	// never unwind it.
	if l.gateway != nil {
		go l.submitPayout(bet)
	}
	return bet, nil
}

// SettleRoundLosses resolves every bet still Placed in the round to Lost
// and releases the locked stake. Acting only on Placed bets makes a
// second call after a restart a no-op.
func (l *Ledger) SettleRoundLosses(ctx context.Context, roundID string) (int, error) {
	settled := 0
	err := l.store.Atomic(ctx, func(tx Store) error {
		settled = 0
		bets, err := tx.PlacedBets(ctx, roundID)
		if err != nil {
			return err
		}
		for _, bet := range bets {
			bet.Status = BetLost
			if err := tx.UpdateBet(ctx, bet); err != nil {
				return err
			}
			bal, err := tx.GetBalance(ctx, bet.PlayerID)
			if err != nil {
				return err
			}
			// The stake is forfeited: only the lock is released.
			bal.Locked -= bet.Amount
			if err := tx.SaveBalance(ctx, bal, bal.Version); err != nil {
				return err
			}
			settled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if settled > 0 {
		log.WithFields(log.Fields{"round_id": roundID, "lost_bets": settled}).Info("round losses settled")
	}
	return settled, nil
}

// Deposit credits a player's available balance, used for gateway deposit
// confirmations and operator top-ups.
func (l *Ledger) Deposit(ctx context.Context, key, playerID string, amount int64) (*Balance, error) {
	if playerID == "" || amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if raw, ok, err := l.replay(ctx, key); err != nil {
		return nil, err
	} else if ok {
		var bal Balance
		if err := json.Unmarshal(raw, &bal); err != nil {
			return nil, err
		}
		return &bal, nil
	}

	// A deposit can race a settlement touching the same row. The conflict
	// is transient, so retry the CAS a few times before giving up.
	var bal *Balance
	var err error
	for attempt := 0; attempt < depositRetries; attempt++ {
		err = l.store.Atomic(ctx, func(tx Store) error {
			var err error
			bal, err = tx.GetBalance(ctx, playerID)
			if err != nil {
				return err
			}
			bal.Available += amount
			if err := tx.SaveBalance(ctx, bal, bal.Version); err != nil {
				return err
			}
			raw, err := json.Marshal(bal)
			if err != nil {
				return err
			}
			return tx.PutIdempotency(ctx, key, raw)
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Balance returns the player's current ledger row.
func (l *Ledger) Balance(ctx context.Context, playerID string) (*Balance, error) {
	return l.store.GetBalance(ctx, playerID)
}

func (l *Ledger) submitPayout(bet *Bet) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := l.gateway.SubmitPayout(ctx, "payout:"+bet.ID, bet.PlayerID, bet.PayoutAmount); err != nil {
		log.WithFields(log.Fields{"bet_id": bet.ID, "player_id": bet.PlayerID}).
			WithError(err).Error("payout submission failed")
	}
}

func (l *Ledger) recordResult(ctx context.Context, tx Store, key string, bet *Bet) error {
	raw, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	return tx.PutIdempotency(ctx, key, raw)
}

func (l *Ledger) replay(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	return l.store.GetIdempotency(ctx, key)
}

func (l *Ledger) replayBet(ctx context.Context, key string) (*Bet, bool, error) {
	raw, ok, err := l.replay(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var bet Bet
	if err := json.Unmarshal(raw, &bet); err != nil {
		return nil, false, err
	}
	return &bet, true, nil
}

// PayoutAmount computes amount * multiplier in minor units, truncated
// toward zero. Decimal arithmetic keeps float error out of the ledger.
func PayoutAmount(amount int64, multiplier float64) int64 {
	m := decimal.NewFromFloat(multiplier).Truncate(2)
	return decimal.NewFromInt(amount).Mul(m).IntPart()
}
