package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// TransactionResult is what the external payment rail reports back for a
// submitted instruction.
type TransactionResult struct {
	TxID      string
	Confirmed bool
}

// Gateway is the external payment collaborator. The ledger only assumes
// calls can be retried with the same idempotency key; internal balances
// never depend on a gateway outcome.
type Gateway interface {
	SubmitPayout(ctx context.Context, idempotencyKey, playerID string, amount int64) (TransactionResult, error)
	SubmitDepositConfirmation(ctx context.Context, txHash string) (int64, error)
}

// Retrying wraps another gateway with bounded exponential backoff. The
// idempotency key makes the retries safe on the far side.
type Retrying struct {
	Next       Gateway
	MaxElapsed time.Duration
}

func (r Retrying) SubmitPayout(ctx context.Context, key, playerID string, amount int64) (TransactionResult, error) {
	var result TransactionResult
	op := func() error {
		var err error
		result, err = r.Next.SubmitPayout(ctx, key, playerID, amount)
		return err
	}
	err := backoff.Retry(op, r.policy(ctx))
	return result, err
}

func (r Retrying) SubmitDepositConfirmation(ctx context.Context, txHash string) (int64, error) {
	var amount int64
	op := func() error {
		var err error
		amount, err = r.Next.SubmitDepositConfirmation(ctx, txHash)
		return err
	}
	err := backoff.Retry(op, r.policy(ctx))
	return amount, err
}

func (r Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 30 * time.Second
	}
	return backoff.WithContext(b, ctx)
}

// LogGateway is the development stand-in: it acknowledges every
// instruction and logs it. Real deployments swap in the chain adapter.
type LogGateway struct{}

func (LogGateway) SubmitPayout(ctx context.Context, key, playerID string, amount int64) (TransactionResult, error) {
	log.WithFields(log.Fields{
		"idempotency_key": key, "player_id": playerID, "amount": amount,
	}).Info("payout instruction accepted")
	return TransactionResult{TxID: key, Confirmed: true}, nil
}

func (LogGateway) SubmitDepositConfirmation(ctx context.Context, txHash string) (int64, error) {
	log.WithFields(log.Fields{"tx_hash": txHash}).Info("deposit confirmation accepted")
	return 0, nil
}
