package fair

import (
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"testing"
)

func TestCrashPointDeterministic(t *testing.T) {
	p := DefaultParams()
	for nonce := uint64(1); nonce <= 50; nonce++ {
		a := CrashPoint("abc", "xyz", nonce, p)
		b := CrashPoint("abc", "xyz", nonce, p)
		if a != b {
			t.Fatalf("CrashPoint not deterministic at nonce %d: %v vs %v", nonce, a, b)
		}
		if a < MinMultiplier || a > p.MaxMultiplier {
			t.Fatalf("CrashPoint out of range at nonce %d: %v", nonce, a)
		}
	}
}

// Independent recomputation of the published formula via a different code
// path; any drift here would break third-party verification.
func TestCrashPointIndependentRecompute(t *testing.T) {
	p := Params{HouseEdge: 0.02, MaxMultiplier: 1000.0}
	for nonce := uint64(1); nonce <= 100; nonce++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", "server-seed", "client-seed", nonce)))
		h := new(big.Int).SetBytes(sum[:4]).Uint64()

		raw := float64(uint64(1)<<32) / float64(h+1)
		want := raw * (1 - p.HouseEdge)
		if want < 1.0 {
			want = 1.0
		}
		if want > p.MaxMultiplier {
			want = p.MaxMultiplier
		}
		want = math.Trunc(want*100) / 100

		got := CrashPoint("server-seed", "client-seed", nonce, p)
		if got != want {
			t.Fatalf("nonce %d: engine %v, independent recompute %v", nonce, got, want)
		}
	}
}

func TestCrashPointDifferentInputsDiffer(t *testing.T) {
	p := DefaultParams()
	a := CrashPoint("seed", "client", 1, p)
	b := CrashPoint("seed", "client", 2, p)
	c := CrashPoint("seed", "client", 3, p)
	if a == b && b == c {
		t.Error("three consecutive nonces produced identical crash points (astronomically unlikely)")
	}
}

func TestCrashPointClamped(t *testing.T) {
	p := Params{HouseEdge: 0.02, MaxMultiplier: 1.5}
	for nonce := uint64(1); nonce <= 200; nonce++ {
		got := CrashPoint("clamp-seed", "client", nonce, p)
		if got < MinMultiplier || got > p.MaxMultiplier {
			t.Fatalf("nonce %d: %v outside [1.0, %v]", nonce, got, p.MaxMultiplier)
		}
	}
}

func TestNewCommitment(t *testing.T) {
	c1 := NewCommitment()
	c2 := NewCommitment()

	if c1.ServerSeed == c2.ServerSeed {
		t.Error("NewCommitment produced duplicate seeds")
	}
	if len(c1.ServerSeed) != SeedBytes*2 {
		t.Errorf("seed length = %d, want %d", len(c1.ServerSeed), SeedBytes*2)
	}
	if HashSeed(c1.ServerSeed) != c1.ServerSeedHash {
		t.Error("commitment hash does not match seed")
	}
}

func TestVerifyCommitment(t *testing.T) {
	c := NewCommitment()
	if !VerifyCommitment(c.ServerSeed, c.ServerSeedHash) {
		t.Error("valid commitment rejected")
	}
	if VerifyCommitment("some-other-seed", c.ServerSeedHash) {
		t.Error("wrong seed accepted")
	}
}

func TestVerify(t *testing.T) {
	p := DefaultParams()
	crash := CrashPoint("vseed", "vclient", 7, p)

	tests := []struct {
		name       string
		serverSeed string
		claimed    float64
		want       bool
	}{
		{"valid", "vseed", crash, true},
		{"wrong multiplier", "vseed", crash + 0.01, false},
		{"wrong seed", "wrong", crash, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.serverSeed, "vclient", 7, tt.claimed, p); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncate2(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1.0, 1.0},
		{3.999, 3.99},
		{2.5678, 2.56},
		{10.0, 10.0},
	}
	for _, tt := range tests {
		if got := Truncate2(tt.in); got != tt.want {
			t.Errorf("Truncate2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewClientSeed(t *testing.T) {
	s1 := NewClientSeed()
	s2 := NewClientSeed()
	if s1 == s2 {
		t.Error("NewClientSeed produced duplicates")
	}
	if len(s1) != 32 {
		t.Errorf("client seed length = %d, want 32", len(s1))
	}
}
