package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashengine/internal/game"
)

// startPostgres spins up a throwaway container with the schema applied.
// Skipped when Docker is unavailable so the in-memory tests in this
// package still run everywhere.
func startPostgres(t *testing.T) *Postgres {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("docker not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("crashdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("container start failed: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := RunMigrations(db, "../../migrations"); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	pg, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg
}

func isDockerAvailable() (ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// NewDockerProvider panics (rather than returning an error) when no
	// Docker host can be found at all; treat that as "not available".
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func TestPostgresRoundLifecycle(t *testing.T) {
	pg := startPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &game.Round{
		ID:             uuid.NewString(),
		Nonce:          1,
		ServerSeed:     "seed",
		ServerSeedHash: "hash",
		ClientSeed:     "client",
		CrashPoint:     2.37,
		Phase:          game.PhasePending,
		HouseEdge:      0.02,
		MaxMultiplier:  5.0,
	}
	if err := pg.InsertRound(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Retried insert is a no-op.
	if err := pg.InsertRound(ctx, r); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	// Skipping a phase is rejected just like going backward.
	skip := *r
	skip.Phase = game.PhaseRunning
	if err := pg.UpdateRoundState(ctx, &skip); !errors.Is(err, game.ErrRoundImmutable) {
		t.Errorf("phase skip err = %v, want ErrRoundImmutable", err)
	}

	r.Phase = game.PhaseBetting
	r.BettingOpensAt = now
	r.BettingClosesAt = now.Add(10 * time.Second)
	if err := pg.UpdateRoundState(ctx, r); err != nil {
		t.Fatalf("advance to betting: %v", err)
	}
	r.Phase = game.PhaseRunning
	r.StartedAt = now.Add(10 * time.Second)
	if err := pg.UpdateRoundState(ctx, r); err != nil {
		t.Fatalf("advance to running: %v", err)
	}

	// Backward write is rejected and changes nothing.
	back := *r
	back.Phase = game.PhaseBetting
	if err := pg.UpdateRoundState(ctx, &back); !errors.Is(err, game.ErrRoundImmutable) {
		t.Errorf("backward err = %v, want ErrRoundImmutable", err)
	}

	got, err := pg.GetRound(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != game.PhaseRunning || got.CrashPoint != 2.37 || got.Nonce != 1 {
		t.Errorf("round roundtrip mismatch: %+v", got)
	}
	if got.HouseEdge != 0.02 || got.MaxMultiplier != 5.0 {
		t.Errorf("fairness params roundtrip = %v/%v, want 0.02/5.0", got.HouseEdge, got.MaxMultiplier)
	}
	if !got.StartedAt.Equal(r.StartedAt) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, r.StartedAt)
	}
	if !got.CrashedAt.IsZero() {
		t.Errorf("crashed_at should be zero before crash, got %v", got.CrashedAt)
	}

	if err := pg.UpdateRoundState(ctx, &game.Round{ID: uuid.NewString(), Phase: game.PhaseBetting}); !errors.Is(err, game.ErrNotFound) {
		t.Errorf("unknown round err = %v, want ErrNotFound", err)
	}

	latest, err := pg.LatestRound(ctx)
	if err != nil || latest.ID != r.ID {
		t.Errorf("latest = %v, %v", latest, err)
	}
	max, err := pg.MaxNonce(ctx)
	if err != nil || max != 1 {
		t.Errorf("max nonce = %d, %v", max, err)
	}
}

func TestPostgresBetsAndBalances(t *testing.T) {
	pg := startPostgres(t)
	ctx := context.Background()

	r := &game.Round{ID: uuid.NewString(), Nonce: 1, ServerSeed: "s", ServerSeedHash: "h", ClientSeed: "c", CrashPoint: 2.0, Phase: game.PhaseBetting}
	if err := pg.InsertRound(ctx, r); err != nil {
		t.Fatalf("round: %v", err)
	}

	// Unknown player materializes a zero balance.
	bal, err := pg.GetBalance(ctx, "p1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Available != 0 || bal.Version != 0 {
		t.Fatalf("zero balance = %+v", bal)
	}

	bal.Available = 1000
	if err := pg.SaveBalance(ctx, bal, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := pg.SaveBalance(ctx, &game.Balance{PlayerID: "p1", Available: 1}, 0); !errors.Is(err, game.ErrVersionConflict) {
		t.Errorf("stale save err = %v, want ErrVersionConflict", err)
	}

	b := &game.Bet{
		ID: uuid.NewString(), RoundID: r.ID, PlayerID: "p1", Amount: 100,
		Status: game.BetPlaced, PlacedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := pg.InsertBet(ctx, b); err != nil {
		t.Fatalf("insert bet: %v", err)
	}
	// The uniqueness backstop on (player_id, round_id).
	dup := *b
	dup.ID = uuid.NewString()
	if err := pg.InsertBet(ctx, &dup); !errors.Is(err, game.ErrDuplicateBet) {
		t.Errorf("duplicate err = %v, want ErrDuplicateBet", err)
	}

	b.Status = game.BetCashedOut
	b.CashoutMultiplier = 1.5
	b.PayoutAmount = 150
	if err := pg.UpdateBet(ctx, b); err != nil {
		t.Fatalf("update bet: %v", err)
	}

	got, err := pg.GetBet(ctx, b.ID)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if got.Status != game.BetCashedOut || got.PayoutAmount != 150 {
		t.Errorf("bet roundtrip mismatch: %+v", got)
	}

	placed, err := pg.PlacedBets(ctx, r.ID)
	if err != nil || len(placed) != 0 {
		t.Errorf("placed bets = %v, %v; want empty", placed, err)
	}
	all, err := pg.BetsForRound(ctx, r.ID)
	if err != nil || len(all) != 1 {
		t.Errorf("bets for round = %d, %v; want 1", len(all), err)
	}
}

func TestPostgresAtomicRollback(t *testing.T) {
	pg := startPostgres(t)
	ctx := context.Background()

	roundID := uuid.NewString()
	boom := errors.New("boom")
	err := pg.Atomic(ctx, func(s game.Store) error {
		if err := s.InsertRound(ctx, &game.Round{ID: roundID, Nonce: 1, ServerSeed: "s", ServerSeedHash: "h", ClientSeed: "c", CrashPoint: 2.0, Phase: game.PhasePending}); err != nil {
			return err
		}
		bal, err := s.GetBalance(ctx, "p1")
		if err != nil {
			return err
		}
		bal.Available += 500
		if err := s.SaveBalance(ctx, bal, bal.Version); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic err = %v", err)
	}

	if _, err := pg.GetRound(ctx, roundID); !errors.Is(err, game.ErrNotFound) {
		t.Error("rolled-back round visible")
	}
	bal, err := pg.GetBalance(ctx, "p1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Available != 0 {
		t.Errorf("rolled-back balance visible: %d", bal.Available)
	}
}

func TestPostgresIdempotencyRoundtrip(t *testing.T) {
	pg := startPostgres(t)
	ctx := context.Background()

	if _, ok, err := pg.GetIdempotency(ctx, "k1"); err != nil || ok {
		t.Fatalf("empty get = ok=%v err=%v", ok, err)
	}
	if err := pg.PutIdempotency(ctx, "k1", []byte(`{"bet":"b1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// First write wins.
	if err := pg.PutIdempotency(ctx, "k1", []byte(`{"bet":"other"}`)); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	raw, ok, err := pg.GetIdempotency(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get = ok=%v err=%v", ok, err)
	}
	var stored struct {
		Bet string `json:"bet"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored.Bet != "b1" {
		t.Errorf("stored result = %s", raw)
	}
}
