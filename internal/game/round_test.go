package game

import (
	"errors"
	"testing"
)

func TestPhaseCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePending, PhaseBetting, true},
		{PhaseBetting, PhaseRunning, true},
		{PhaseRunning, PhaseCrashed, true},
		{PhaseCrashed, PhaseSettled, true},
		{PhaseBetting, PhaseBetting, true}, // idempotent rewrite
		{PhaseSettled, PhaseSettled, true},
		{PhaseRunning, PhaseBetting, false},
		{PhaseSettled, PhaseRunning, false},
		{PhasePending, PhaseRunning, false}, // no phase skipping
		{Phase("BOGUS"), PhaseBetting, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRevealGuard(t *testing.T) {
	r := &Round{ID: "r1", ServerSeed: "secret", Phase: PhaseRunning}

	if _, err := r.Reveal(); !errors.Is(err, ErrNotYetCrashed) {
		t.Fatalf("reveal before crash: err = %v, want ErrNotYetCrashed", err)
	}

	r.Phase = PhaseCrashed
	seed, err := r.Reveal()
	if err != nil {
		t.Fatalf("reveal after crash failed: %v", err)
	}
	if seed != "secret" {
		t.Errorf("revealed seed = %q", seed)
	}
}

func TestSnapshotHidesSecrets(t *testing.T) {
	r := &Round{
		ID:             "r1",
		ServerSeed:     "secret",
		ServerSeedHash: "hash",
		ClientSeed:     "client",
		CrashPoint:     4.2,
		Phase:          PhaseBetting,
	}

	s := r.SnapshotAt(1.0)
	if s.ServerSeed != "" || s.CrashPoint != 0 {
		t.Error("betting-phase snapshot leaks server seed or crash point")
	}
	if s.ClientSeed != "" {
		t.Error("client seed published before betting closed")
	}

	r.Phase = PhaseRunning
	s = r.SnapshotAt(1.5)
	if s.ClientSeed != "client" {
		t.Error("client seed missing after round start")
	}
	if s.ServerSeed != "" || s.CrashPoint != 0 {
		t.Error("running-phase snapshot leaks server seed or crash point")
	}

	r.Phase = PhaseCrashed
	s = r.SnapshotAt(4.2)
	if s.ServerSeed != "secret" || s.CrashPoint != 4.2 {
		t.Error("crashed snapshot must reveal seed and crash point")
	}
}
