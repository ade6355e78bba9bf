package game

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// recoverPending reconstructs in-flight state after a restart, before any
// new round is scheduled. The latest persisted round is driven to Settled
// (or resumed live) so no round is lost and none settles twice.
func (e *Engine) recoverPending(ctx context.Context) error {
	round, err := e.store.LatestRound(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// Nonces stay globally sequential across restarts.
	nonce, err := e.store.MaxNonce(ctx)
	if err != nil {
		return err
	}
	e.nonce = nonce

	if round.Phase == PhaseSettled {
		// A restart between loss resolution and the Settled write can
		// leave stray Placed bets; resolving them is idempotent.
		if _, err := e.ledger.SettleRoundLosses(ctx, round.ID); err != nil {
			return err
		}
		return nil
	}

	log.WithFields(log.Fields{
		"round_id": round.ID,
		"phase":    round.Phase,
	}).Info("resuming unsettled round after restart")

	// For a Running round whose crash instant already passed while the
	// process was down, the running loop detects it on its first tick
	// and settles with the same crash point and bet outcomes as if the
	// crash had been observed live.
	return e.driveRound(ctx, round)
}
