package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"crashengine/internal/game"
)

func TestMemoryAtomicRollback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.InsertRound(ctx, &game.Round{ID: "r1", Nonce: 1, Phase: game.PhasePending}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("boom")
	err := m.Atomic(ctx, func(s game.Store) error {
		if err := s.InsertRound(ctx, &game.Round{ID: "r2", Nonce: 2, Phase: game.PhasePending}); err != nil {
			return err
		}
		if err := s.InsertBet(ctx, &game.Bet{ID: "b1", RoundID: "r2", PlayerID: "p1", Amount: 100, Status: game.BetPlaced}); err != nil {
			return err
		}
		bal := &game.Balance{PlayerID: "p1", Available: 500}
		if err := s.SaveBalance(ctx, bal, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic err = %v, want boom", err)
	}

	// Everything written inside the failed block must be gone.
	if _, err := m.GetRound(ctx, "r2"); !errors.Is(err, game.ErrNotFound) {
		t.Error("rolled-back round still visible")
	}
	if _, err := m.GetBet(ctx, "b1"); !errors.Is(err, game.ErrNotFound) {
		t.Error("rolled-back bet still visible")
	}
	bal, _ := m.GetBalance(ctx, "p1")
	if bal.Available != 0 || bal.Version != 0 {
		t.Errorf("rolled-back balance visible: %+v", bal)
	}

	// The pre-existing round survives.
	if _, err := m.GetRound(ctx, "r1"); err != nil {
		t.Errorf("pre-existing round lost: %v", err)
	}
}

func TestMemoryAtomicCommit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Atomic(ctx, func(s game.Store) error {
		return s.InsertRound(ctx, &game.Round{ID: "r1", Nonce: 1, Phase: game.PhasePending})
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if _, err := m.GetRound(ctx, "r1"); err != nil {
		t.Errorf("committed round missing: %v", err)
	}
}

func TestMemoryUpdateRoundState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r := &game.Round{ID: "r1", Nonce: 1, Phase: game.PhaseBetting}
	if err := m.InsertRound(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Forward transition.
	r.Phase = game.PhaseRunning
	r.StartedAt = time.Now().UTC()
	if err := m.UpdateRoundState(ctx, r); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Idempotent rewrite of the same phase.
	if err := m.UpdateRoundState(ctx, r); err != nil {
		t.Fatalf("same-phase rewrite: %v", err)
	}

	// Backward transition is rejected.
	back := *r
	back.Phase = game.PhaseBetting
	if err := m.UpdateRoundState(ctx, &back); !errors.Is(err, game.ErrRoundImmutable) {
		t.Errorf("backward err = %v, want ErrRoundImmutable", err)
	}
	stored, _ := m.GetRound(ctx, "r1")
	if stored.Phase != game.PhaseRunning {
		t.Errorf("phase mutated by rejected write: %s", stored.Phase)
	}

	// Unknown round.
	if err := m.UpdateRoundState(ctx, &game.Round{ID: "nope", Phase: game.PhaseBetting}); !errors.Is(err, game.ErrNotFound) {
		t.Errorf("unknown round err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLatestAndRecentRounds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.LatestRound(ctx); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("empty latest err = %v, want ErrNotFound", err)
	}

	for i := 1; i <= 5; i++ {
		r := &game.Round{ID: string(rune('a' + i)), Nonce: uint64(i), Phase: game.PhasePending}
		if err := m.InsertRound(ctx, r); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	latest, err := m.LatestRound(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Nonce != 5 {
		t.Errorf("latest nonce = %d, want 5", latest.Nonce)
	}

	recent, err := m.RecentRounds(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent count = %d, want 3", len(recent))
	}
	if recent[0].Nonce != 5 || recent[2].Nonce != 3 {
		t.Errorf("recent not newest-first: %d..%d", recent[0].Nonce, recent[2].Nonce)
	}

	max, err := m.MaxNonce(ctx)
	if err != nil || max != 5 {
		t.Errorf("MaxNonce = %d, %v; want 5", max, err)
	}
}

func TestMemorySaveBalanceVersioning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Unknown player materializes a zero row at version 0.
	bal, err := m.GetBalance(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bal.Available != 0 || bal.Version != 0 {
		t.Fatalf("zero row = %+v", bal)
	}

	bal.Available = 100
	if err := m.SaveBalance(ctx, bal, bal.Version); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if bal.Version != 1 {
		t.Errorf("version after save = %d, want 1", bal.Version)
	}

	// Stale version is rejected.
	stale := &game.Balance{PlayerID: "p1", Available: 999}
	if err := m.SaveBalance(ctx, stale, 0); !errors.Is(err, game.ErrVersionConflict) {
		t.Errorf("stale save err = %v, want ErrVersionConflict", err)
	}
	current, _ := m.GetBalance(ctx, "p1")
	if current.Available != 100 {
		t.Errorf("stale write applied: %d", current.Available)
	}

	// Negative amounts never land.
	neg := &game.Balance{PlayerID: "p1", Available: -1}
	if err := m.SaveBalance(ctx, neg, current.Version); !errors.Is(err, game.ErrInsufficientBalance) {
		t.Errorf("negative save err = %v, want ErrInsufficientBalance", err)
	}
}

func TestMemoryPlacedBetsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	bets := []*game.Bet{
		{ID: "b1", RoundID: "r1", PlayerID: "p1", Status: game.BetPlaced, PlacedAt: now},
		{ID: "b2", RoundID: "r1", PlayerID: "p2", Status: game.BetCashedOut, PlacedAt: now.Add(time.Millisecond)},
		{ID: "b3", RoundID: "r2", PlayerID: "p1", Status: game.BetPlaced, PlacedAt: now},
	}
	for _, b := range bets {
		if err := m.InsertBet(ctx, b); err != nil {
			t.Fatalf("insert %s: %v", b.ID, err)
		}
	}

	placed, err := m.PlacedBets(ctx, "r1")
	if err != nil {
		t.Fatalf("placed: %v", err)
	}
	if len(placed) != 1 || placed[0].ID != "b1" {
		t.Errorf("PlacedBets(r1) = %v", placed)
	}

	all, err := m.BetsForRound(ctx, "r1")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("BetsForRound(r1) count = %d, want 2", len(all))
	}

	found, err := m.BetForPlayerRound(ctx, "p1", "r1")
	if err != nil || found.ID != "b1" {
		t.Errorf("BetForPlayerRound = %v, %v", found, err)
	}
	if _, err := m.BetForPlayerRound(ctx, "p2", "r2"); !errors.Is(err, game.ErrNotFound) {
		t.Errorf("missing bet err = %v, want ErrNotFound", err)
	}
}

func TestMemoryIdempotencyRoundtrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, ok, err := m.GetIdempotency(ctx, "k1"); err != nil || ok {
		t.Fatalf("empty get = ok=%v err=%v", ok, err)
	}
	if err := m.PutIdempotency(ctx, "k1", []byte(`{"bet":"b1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, ok, err := m.GetIdempotency(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get = ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"bet":"b1"}` {
		t.Errorf("stored result = %s", raw)
	}
}
